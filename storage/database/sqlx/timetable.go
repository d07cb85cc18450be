package sqlxrepos

import (
	"context"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/timetable"
)

type timetableRepository struct {
	exec core.DBExecutor
}

var _ timetable.Repository = (*timetableRepository)(nil) // interface compliance check

func NewTimetableRepository(exec core.DBExecutor) timetable.Repository {
	return &timetableRepository{exec: exec}
}

func (repo timetableRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 {
		return svcExec[0]
	}
	return repo.exec
}

type periodRow struct {
	ID         int                 `db:"id"`
	Day        timetable.Weekday   `db:"day"`
	StartTime  timetable.TimeOfDay `db:"start_time"`
	EndTime    timetable.TimeOfDay `db:"end_time"`
	TeacherID  int                 `db:"teacher_id"`
	ClassID    int                 `db:"class_id"`
	SectionID  int                 `db:"section_id"`
	SubjectID  int                 `db:"subject_id"`
	RoomNumber null.String         `db:"room_number"`
	IsActive   bool                `db:"is_active"`

	TeacherUserID null.Int    `db:"teacher_user_id"`
	TeacherName   null.String `db:"teacher_name"`
	TeacherActive null.Bool   `db:"teacher_active"`
	UserActive    null.Bool   `db:"user_active"`
	ClassName     string      `db:"class_name"`
	SectionName   string      `db:"section_name"`
	SubjectName   string      `db:"subject_name"`
}

func (row periodRow) detail() timetable.PeriodDetail {
	return timetable.PeriodDetail{
		Period: timetable.Period{
			ID:         row.ID,
			Day:        row.Day,
			StartTime:  row.StartTime,
			EndTime:    row.EndTime,
			TeacherID:  row.TeacherID,
			ClassID:    row.ClassID,
			SectionID:  row.SectionID,
			SubjectID:  row.SubjectID,
			RoomNumber: row.RoomNumber.Ptr(),
			IsActive:   row.IsActive,
		},
		TeacherUserID: row.TeacherUserID.Ptr(),
		TeacherName:   row.TeacherName.String,
		TeacherActive: row.TeacherActive.Bool,
		UserActive:    row.UserActive.Bool,
		ClassName:     row.ClassName,
		SectionName:   row.SectionName,
		SubjectName:   row.SubjectName,
	}
}

// labels are inner joins; teacher and user are outer joins so unlinked teachers are reported, not lost.
const startingPeriodsQuery = `
SELECT t.id, t.day, t.start_time, t.end_time, t.teacher_id, t.class_id, t.section_id, t.subject_id,
       t.room_number, t.is_active,
       u.id AS teacher_user_id, te.name AS teacher_name, te.is_active AS teacher_active, u.is_active AS user_active,
       c.name AS class_name, s.name AS section_name, su.name AS subject_name
FROM timetable t
JOIN classes c ON c.id = t.class_id
JOIN sections s ON s.id = t.section_id
JOIN subjects su ON su.id = t.subject_id
LEFT JOIN teachers te ON te.id = t.teacher_id
LEFT JOIN users u ON u.id = te.user_id
WHERE t.is_active AND t.day = ? AND t.start_time BETWEEN ? AND ?
ORDER BY t.start_time, t.id`

func (repo timetableRepository) QueryStartingPeriods(ctx context.Context, slot timetable.Slot, exec ...core.DBExecutor) ([]timetable.PeriodDetail, error) {
	db := repo.getExec(exec)

	var rows []periodRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(startingPeriodsQuery), slot.Day, slot.From, slot.To); err != nil {
		return nil, errors.Wrapf(err, "querying periods in %s", slot)
	}

	details := make([]timetable.PeriodDetail, 0, len(rows))
	for _, row := range rows {
		details = append(details, row.detail())
	}
	return details, nil
}

func (repo timetableRepository) CreatePeriod(ctx context.Context, period timetable.Period, exec ...core.DBExecutor) (timetable.Period, error) {
	db := repo.getExec(exec)

	q := db.Rebind(`
INSERT INTO timetable (day, start_time, end_time, teacher_id, class_id, section_id, subject_id, room_number, is_active)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`)
	err := db.GetContext(
		ctx, &period.ID, q,
		period.Day, period.StartTime, period.EndTime,
		period.TeacherID, period.ClassID, period.SectionID, period.SubjectID,
		null.StringFromPtr(period.RoomNumber), period.IsActive,
	)
	if err != nil {
		return timetable.Period{}, errors.Wrap(err, "inserting period")
	}
	return period, nil
}

package inmemdb

import (
	"context"
	"sort"

	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/timetable"
)

type timetableRepository struct {
	db *DB
}

var _ timetable.Repository = (*timetableRepository)(nil) // interface compliance check

func NewTimetableRepository(db *DB) timetable.Repository {
	return &timetableRepository{db: db}
}

func (repo *timetableRepository) CreatePeriod(_ context.Context, period timetable.Period, _ ...core.DBExecutor) (timetable.Period, error) {
	tbl := repo.db.period
	tbl.Lock()
	defer tbl.Unlock()

	tbl.pkCount++
	period.ID = tbl.pkCount
	tbl.table[period.ID] = &period
	return period, nil
}

// QueryStartingPeriods mimics the SQL inner joins: periods whose class, section or subject rows are
// missing are dropped, while the teacher and user joins are outer so unlinked teachers still show up.
func (repo *timetableRepository) QueryStartingPeriods(_ context.Context, slot timetable.Slot, _ ...core.DBExecutor) ([]timetable.PeriodDetail, error) {
	repo.db.period.RLock()
	defer repo.db.period.RUnlock()
	dir := repo.db.directory
	dir.RLock()
	defer dir.RUnlock()

	var details []timetable.PeriodDetail
	for _, p := range repo.db.period.table {
		if !p.IsActive || !slot.Contains(p.Day, p.StartTime) {
			continue
		}
		class, okC := dir.classes[p.ClassID]
		section, okSe := dir.sections[p.SectionID]
		subject, okSu := dir.subjects[p.SubjectID]
		if !(okC && okSe && okSu) {
			continue
		}

		detail := timetable.PeriodDetail{
			Period:      *p,
			ClassName:   class,
			SectionName: section,
			SubjectName: subject,
		}
		if teacher, ok := dir.teachers[p.TeacherID]; ok {
			detail.TeacherName = teacher.Name
			detail.TeacherActive = teacher.IsActive
			if teacher.UserID != nil {
				if usr, ok := dir.users[*teacher.UserID]; ok {
					uid := usr.ID
					detail.TeacherUserID = &uid
					detail.UserActive = usr.IsActive
				}
			}
		}
		details = append(details, detail)
	}

	sort.Slice(details, func(i, j int) bool {
		if details[i].StartTime != details[j].StartTime {
			return details[i].StartTime < details[j].StartTime
		}
		return details[i].ID < details[j].ID
	})
	return details, nil
}

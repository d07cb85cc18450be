package dispatch

import (
	"fmt"
	"time"

	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/timetable"
)

const titlePrefix = "Upcoming Class: "

func FormatTitle(subject string) string {
	return titlePrefix + core.CleanString(subject)
}

// FormatMessage renders the reminder body, e.g.
// "Your Mathematics class for Grade 5 - A starts in 10 minutes at 14:30 in Room 101."
// The room clause is omitted when the period has no room.
func FormatMessage(p timetable.PeriodDetail, lead time.Duration) string {
	msg := fmt.Sprintf(
		"Your %s class for %s - %s starts in %s at %s",
		core.CleanString(p.SubjectName),
		core.CleanString(p.ClassName),
		core.CleanString(p.SectionName),
		formatLead(lead),
		p.StartTime.HHMM(),
	)
	if room := p.Room(); room != "" {
		msg += " in Room " + room
	}
	return msg + "."
}

func formatLead(lead time.Duration) string {
	mins := int(lead.Round(time.Minute) / time.Minute)
	if mins == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", mins)
}

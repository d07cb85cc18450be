package main

import (
	"context"
	"fmt"
	"time"

	"github.com/trezcool/masomo-notifier/core/dispatch"
	"github.com/trezcool/masomo-notifier/core/notification"
)

// upcoming prints what a tick at `at` would match, without writing anything.
func (cli *commandLine) upcoming(at time.Time) error {
	opts := cli.engine.Options()
	periods, err := cli.periods.Upcoming(context.Background(), at, opts.Lead, opts.Tolerance)
	if err != nil {
		return err
	}

	fmt.Fprintf(cli.out, "%d period(s) starting %s after %s\n", len(periods), opts.Lead, at.In(opts.Location).Format(time.RFC3339))
	for _, p := range periods {
		recipient := "no linked account"
		if p.TeacherUserID != nil {
			recipient = fmt.Sprintf("user %d", *p.TeacherUserID)
			if !p.Notifiable() {
				recipient += " (inactive)"
			}
		}
		fmt.Fprintf(cli.out, "#%d %s %s %s\n  %s\n", p.ID, p.Day, p.StartTime.HHMM(), recipient, dispatch.FormatMessage(p, opts.Lead))
	}
	return nil
}

func (cli *commandLine) tick(at time.Time) error {
	report := cli.engine.RunTick(context.Background(), at)
	fmt.Fprintln(cli.out, report)
	if report.Error != "" {
		return fmt.Errorf("tick failed: %s", report.Error)
	}
	return nil
}

func (cli *commandLine) listNotifications(userID int, unread bool, limit int) error {
	notifs, err := cli.notifs.Query(context.Background(), notification.QueryFilter{
		UserID:     userID,
		UnreadOnly: unread,
		Limit:      limit,
	})
	if err != nil {
		return err
	}

	for _, n := range notifs {
		mark := " "
		if !n.IsRead {
			mark = "*"
		}
		fmt.Fprintf(cli.out, "%s %s %s\n  %s\n", mark, n.CreatedAt.Format(time.RFC3339), n.Title, n.Message)
	}
	return nil
}

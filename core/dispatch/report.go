package dispatch

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-notifier/core"
)

type State int32

const (
	Idle State = iota
	RunningTick
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RunningTick:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Report summarises one tick.
type Report struct {
	At         time.Time `json:"at"`
	Matched    int       `json:"matched"`
	Created    int       `json:"created"`
	Duplicates int       `json:"duplicates"`
	Skipped    int       `json:"skipped"` // no linked or active teacher account
	Pushed     int       `json:"pushed"`
	PushFailed int       `json:"push_failed"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"` // scan failure; nothing was processed
}

func (r Report) String() string {
	s := fmt.Sprintf("matched=%d created=%d duplicates=%d skipped=%d pushed=%d push_failed=%d failed=%d",
		r.Matched, r.Created, r.Duplicates, r.Skipped, r.Pushed, r.PushFailed, r.Failed)
	if r.Error != "" {
		s += " error=" + r.Error
	}
	return s
}

type Status struct {
	State     string    `json:"state"`
	Scheduled bool      `json:"scheduled"`
	Schedule  string    `json:"schedule"`
	NextTick  time.Time `json:"next_tick"`
	LastTick  *Report   `json:"last_tick"`
}

// cronLogger adapts core.Logger to cron.Logger.
type cronLogger struct {
	logger core.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, fields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, errors.WithStack(err), fields(keysAndValues))
}

func fields(keysAndValues []interface{}) map[string]interface{} {
	flds := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		flds[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return flds
}

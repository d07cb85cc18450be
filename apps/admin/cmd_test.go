package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strconv"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/timetable"
	"github.com/trezcool/masomo-notifier/tests"
)

func setup(t *testing.T) (*commandLine, *testutil.Fixture, *bytes.Buffer) {
	t.Helper()

	conf := &core.Config{
		TestMode: true,
		Database: core.DatabaseConfig{Engine: "postgres", Name: "masomo", AdminUser: "postgres"},
		Dispatcher: core.DispatcherConfig{
			Schedule:    "@every 1m",
			Lead:        10 * time.Minute,
			Tolerance:   30 * time.Second,
			DedupWindow: 5 * time.Minute,
			Timezone:    "UTC",
		},
	}
	out := new(bytes.Buffer)
	fx := testutil.NewFixture()

	cli := &commandLine{conf: conf, out: out, db: &sqlx.DB{}, logger: core.NopLogger{}}
	require.NoError(t, cli.wire(fx.Periods, fx.Notifications, validator.New()))
	return cli, fx, out
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	wantOut    []string
}

func runCLITests(t *testing.T, cli *commandLine, out *bytes.Buffer, tests []cliTest) {
	t.Helper()
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()

			err := cli.run(args)
			switch {
			case tt.wantErr != nil:
				assert.Equal(t, tt.wantErr, err)
			case tt.wantErrStr != "":
				if assert.Error(t, err) {
					assert.Equal(t, tt.wantErrStr, err.Error())
				}
			default:
				assert.NoError(t, err)
			}
			for _, want := range tt.wantOut {
				assert.Contains(t, out.String(), want)
			}
		})
	}
}

func Test_commandLine_help(t *testing.T) {
	cli, _, out := setup(t)

	runCLITests(t, cli, out, []cliTest{
		{name: "no command", wantErr: errHelp, wantOut: []string{"Usage:"}},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp, wantOut: []string{"Usage:"}},
	})
}

func Test_commandLine_migrate(t *testing.T) {
	cli, _, out := setup(t)

	orig := gooseRunFunc
	defer func() { gooseRunFunc = orig }()
	gooseRunFunc = func(command string, db *sql.DB, _ fs.FS, dir string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to":
			if len(args) == 0 {
				return fmt.Errorf("up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		case "down-to":
			if len(args) == 0 {
				return fmt.Errorf("down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	runCLITests(t, cli, out, []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "down-to: non-int arg", args: []string{"migrate", "down-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "create", args: []string{"migrate", "create", "rooms", "sql"}},
	})

	cli.db = nil
	assert.Equal(t, errNoSQLStore, cli.run([]string{"admin", "migrate", "up"}))
}

func Test_commandLine_createdb(t *testing.T) {
	cli, _, out := setup(t)

	var gotPassword string
	origCreate, origRead := createDBFunc, readPasswordFunc
	defer func() { createDBFunc, readPasswordFunc = origCreate, origRead }()
	createDBFunc = func(_ context.Context, conf *core.Config) error {
		gotPassword = conf.Database.AdminPassword
		return nil
	}
	readPasswordFunc = func(fd int) ([]byte, error) { return []byte("root"), nil }

	require.NoError(t, cli.run([]string{"admin", "createdb"}))
	assert.Equal(t, "root", gotPassword)
	assert.Contains(t, out.String(), `database "masomo" ready`)

	// not prompted again once configured
	readPasswordFunc = func(fd int) ([]byte, error) { return nil, fmt.Errorf("unexpected prompt") }
	require.NoError(t, cli.run([]string{"admin", "createdb"}))

	cli.conf.Database.Engine = "memory"
	assert.Equal(t, errNoSQLStore, cli.run([]string{"admin", "createdb"}))
}

func Test_commandLine_dispatch(t *testing.T) {
	cli, fx, out := setup(t)

	fx.AddPeriod(t, testutil.PeriodSpec{
		Day: timetable.Saturday, Start: "09:00:00", TeacherID: fx.AddTeacher(42),
		Subject: "Mathematics", Class: "Grade 5", Section: "A", Room: "101",
	})
	fx.AddPeriod(t, testutil.PeriodSpec{
		Day: timetable.Saturday, Start: "09:00:00", TeacherID: fx.AddTeacher(0),
		Subject: "Physics", Class: "Grade 6", Section: "B",
	})

	origNow := nowFunc
	defer func() { nowFunc = origNow }()
	nowFunc = func() time.Time { return time.Date(2026, 10, 17, 8, 50, 0, 0, time.UTC) }

	runCLITests(t, cli, out, []cliTest{
		{
			name: "upcoming",
			args: []string{"upcoming", "-at", "2026-10-17T08:50:00Z"},
			wantOut: []string{
				"2 period(s) starting 10m0s after 2026-10-17T08:50:00Z",
				"Saturday 09:00 user 42",
				"Your Mathematics class for Grade 5 - A starts in 10 minutes at 09:00 in Room 101.",
				"Saturday 09:00 no linked account",
			},
		},
		{name: "upcoming: bad time", args: []string{"upcoming", "-at", "9am"}, wantErrStr: `invalid -at "9am": expected RFC3339, e.g. 2026-10-17T08:50:00Z`},
		{name: "notifications: none yet", args: []string{"notifications", "-user", "42"}},
		{name: "tick", args: []string{"tick"}, wantOut: []string{"matched=2 created=1 duplicates=0 skipped=1"}},
		{name: "tick again", args: []string{"tick", "-at", "2026-10-17T08:50:30Z"}, wantOut: []string{"matched=2 created=0 duplicates=1 skipped=1"}},
		{name: "notifications: no user", args: []string{"notifications"}, wantErr: errHelp},
		{
			name:    "notifications",
			args:    []string{"notifications", "-user", "42", "-unread"},
			wantOut: []string{"* 2026-10-17T08:50:00Z Upcoming Class: Mathematics"},
		},
	})
}

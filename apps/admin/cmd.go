package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"golang.org/x/term"

	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/dispatch"
	"github.com/trezcool/masomo-notifier/core/notification"
	"github.com/trezcool/masomo-notifier/core/timetable"
	"github.com/trezcool/masomo-notifier/storage/database"
)

var (
	readPasswordFunc = term.ReadPassword         // mockable
	createDBFunc     = database.CreateIfNotExist // mockable
	nowFunc          = time.Now                  // mockable

	errHelp       = errors.New("help provided")
	errNoSQLStore = errors.New("no SQL database: DATABASE_ENGINE is memory")
)

type commandLine struct {
	conf   *core.Config
	out    io.Writer
	db     *sqlx.DB // nil with the memory engine
	logger core.Logger

	periods *timetable.Service
	notifs  *notification.Service
	engine  *dispatch.Engine
}

// wire builds the services the subcommands run against. The engine has no registry: ticks only persist.
func (cli *commandLine) wire(periodRepo timetable.Repository, notifRepo notification.Repository, validate *validator.Validate) error {
	cli.periods = timetable.NewService(periodRepo, cli.conf.Dispatcher.Location())
	cli.notifs = notification.NewService(notifRepo, validate)

	engine, err := dispatch.NewEngine(dispatch.OptionsFromConfig(cli.conf.Dispatcher), cli.periods, cli.notifs, nil, cli.logger, nil)
	if err != nil {
		return err
	}
	cli.engine = engine
	return nil
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a goose migration command (up, down, status, ...)")
	fmt.Fprintln(cli.out, "  createdb - create the app role and database (prompts for the admin password if not configured)")
	fmt.Fprintln(cli.out, "  upcoming [-at RFC3339] - list the periods a tick at the given time would notify about")
	fmt.Fprintln(cli.out, "  tick [-at RFC3339] - run one dispatch tick (no real-time push)")
	fmt.Fprintln(cli.out, "  notifications -user ID [-unread] [-limit N] - list a user's notifications")
}

func (cli *commandLine) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	return fs
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	upcomingCmd := cli.newFlagSet("upcoming")
	upcomingAt := upcomingCmd.String("at", "", "Tick time (RFC3339). Defaults to now.")

	tickCmd := cli.newFlagSet("tick")
	tickAt := tickCmd.String("at", "", "Tick time (RFC3339). Defaults to now.")

	notificationsCmd := cli.newFlagSet("notifications")
	notificationsUser := notificationsCmd.Int("user", 0, "The user's ID.")
	notificationsUnread := notificationsCmd.Bool("unread", false, "Only list unread notifications.")
	notificationsLimit := notificationsCmd.Int("limit", 20, "Maximum number of notifications.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "createdb":
		if cli.conf.Database.AdminUser != "" && cli.conf.Database.AdminPassword == "" {
			fmt.Fprintf(cli.out, "Enter password for %s:", cli.conf.Database.AdminUser)
			pwd, err := readPasswordFunc(int(syscall.Stdin))
			fmt.Fprintln(cli.out)
			if err != nil {
				return err
			}
			cli.conf.Database.AdminPassword = string(pwd)
		}
		return cli.createDB()

	case "upcoming":
		if err := upcomingCmd.Parse(args[2:]); err != nil {
			return err
		}
		at, err := parseAt(*upcomingAt)
		if err != nil {
			return err
		}
		return cli.upcoming(at)

	case "tick":
		if err := tickCmd.Parse(args[2:]); err != nil {
			return err
		}
		at, err := parseAt(*tickAt)
		if err != nil {
			return err
		}
		return cli.tick(at)

	case "notifications":
		if err := notificationsCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *notificationsUser <= 0 {
			notificationsCmd.Usage()
			return errHelp
		}
		return cli.listNotifications(*notificationsUser, *notificationsUnread, *notificationsLimit)

	default:
		cli.printUsage()
		return errHelp
	}
}

func parseAt(s string) (time.Time, error) {
	if s == "" {
		return nowFunc(), nil
	}
	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -at %q: expected RFC3339, e.g. 2026-10-17T08:50:00Z", s)
	}
	return at, nil
}

func (cli *commandLine) createDB() error {
	if cli.conf.Database.Engine != "postgres" {
		return errNoSQLStore
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := createDBFunc(ctx, cli.conf); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "database %q ready\n", cli.conf.Database.Name)
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/notification"
	"github.com/trezcool/masomo-notifier/core/timetable"
	logsvc "github.com/trezcool/masomo-notifier/services/logger"
	"github.com/trezcool/masomo-notifier/storage/database"
	inmemdb "github.com/trezcool/masomo-notifier/storage/database/inmem"
	sqlxrepos "github.com/trezcool/masomo-notifier/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()

	logger, err := logsvc.New(conf, "ADMIN")
	if err != nil {
		fmt.Fprintf(os.Stderr, "setting up logger: %v\n", err)
		os.Exit(1)
	}

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	if err = conf.Validate(validate); err != nil {
		logger.Fatal("invalid configuration", core.TranslateValidationErrors(err, translator))
	}

	cli := &commandLine{conf: conf, out: os.Stdout, logger: logger}

	// set up DB; createdb runs before the app database exists
	var (
		periodRepo timetable.Repository
		notifRepo  notification.Repository
	)
	if conf.Database.Engine == "postgres" && !(len(os.Args) > 1 && os.Args[1] == "createdb") {
		db, err := database.Open(context.Background(), conf)
		if err != nil {
			logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
		}
		defer func() { _ = db.Close() }()

		cli.db = db
		periodRepo = sqlxrepos.NewTimetableRepository(db)
		notifRepo = sqlxrepos.NewNotificationRepository(db)
	} else {
		mem := inmemdb.Open()
		periodRepo = inmemdb.NewTimetableRepository(mem)
		notifRepo = inmemdb.NewNotificationRepository(mem)
	}

	if err = cli.wire(periodRepo, notifRepo, validate); err != nil {
		logger.Fatal(fmt.Sprintf("setting up services: %v", err), err)
	}

	// start CLI
	if err = cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Error(fmt.Sprintf("error: %s", err), err)
		}
		_ = logger.Zap().Sync()
		os.Exit(1)
	}
}

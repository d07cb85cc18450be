package core

import (
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Debug        bool
		TestMode     bool
		Build        string
		Env          string
		AppName      string
		RollbarToken string

		Server     ServerConfig
		Database   DatabaseConfig
		Redis      RedisConfig
		Dispatcher DispatcherConfig
	}

	ServerConfig struct {
		Host            string        `validate:"required"`
		DebugHost       string        `validate:"required"`
		ShutdownTimeout time.Duration `validate:"gt=0"`
	}

	DatabaseConfig struct {
		Engine        string `validate:"oneof=postgres memory"`
		Host          string
		Port          int
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		Name          string `validate:"required_if=Engine postgres"`
		DisableTLS    bool
	}

	RedisConfig struct {
		Addr     string
		Password string
		DB       int    `validate:"gte=0"`
		Channel  string `validate:"required_with=Addr"`
	}

	DispatcherConfig struct {
		Enabled     bool
		Schedule    string        `validate:"required,cronspec"`
		Lead        time.Duration `validate:"gt=0"`
		Tolerance   time.Duration `validate:"gte=0"`
		DedupWindow time.Duration `validate:"gt=0"`
		Timezone    string        `validate:"required,tzname"`
	}
)

func (db DatabaseConfig) Address() string {
	if db.Port == 0 {
		return db.Host
	}
	return net.JoinHostPort(db.Host, strconv.Itoa(db.Port))
}

// Location returns the school's time zone; "Local" or an empty value mean the process zone.
func (d DispatcherConfig) Location() *time.Location {
	if d.Timezone == "" || d.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Validate checks the config against its struct tags and cross-field rules.
func (conf *Config) Validate(validate *validator.Validate) error {
	if err := validate.Struct(conf); err != nil {
		return err
	}
	d := conf.Dispatcher
	if every := strings.TrimPrefix(d.Schedule, "@every "); every != d.Schedule {
		interval, err := time.ParseDuration(every)
		if err == nil && d.DedupWindow <= interval {
			return NewValidationError(
				errors.New("dedup window must exceed the tick interval"),
				FieldError{Field: "dispatcher.dedupWindow", Error: "must be greater than " + interval.String()},
			)
		}
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("build", "dev")
	v.SetDefault("appName", "Masomo")
	v.SetDefault("rollbarToken", "")

	v.SetDefault("server.host", ":8000")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.shutdownTimeout", 10*time.Second)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "masomo")
	v.SetDefault("database.password", "masomo")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.name", "masomo")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "masomo:notifications")

	v.SetDefault("dispatcher.enabled", true)
	v.SetDefault("dispatcher.schedule", "@every 1m")
	v.SetDefault("dispatcher.lead", 10*time.Minute)
	v.SetDefault("dispatcher.tolerance", 30*time.Second)
	v.SetDefault("dispatcher.dedupWindow", 5*time.Minute)
	v.SetDefault("dispatcher.timezone", "Local")
	return v
}

// NewConfig loads the config for the current ENV: defaults, then config/.env.<env>, then the environment.
func NewConfig() *Config {
	v := newViper()

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(ProjectRoot(), "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return configFrom(v, env)
}

func configFrom(v *viper.Viper, env string) *Config {
	return &Config{
		Debug:        v.GetBool("debug"),
		TestMode:     v.GetBool("testMode"),
		Build:        v.GetString("build"),
		Env:          env,
		AppName:      v.GetString("appName"),
		RollbarToken: v.GetString("rollbarToken"),
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			DebugHost:       v.GetString("server.debugHost"),
			ShutdownTimeout: v.GetDuration("server.shutdownTimeout"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetInt("database.port"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			Name:          v.GetString("database.name"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		Dispatcher: DispatcherConfig{
			Enabled:     v.GetBool("dispatcher.enabled"),
			Schedule:    v.GetString("dispatcher.schedule"),
			Lead:        v.GetDuration("dispatcher.lead"),
			Tolerance:   v.GetDuration("dispatcher.tolerance"),
			DedupWindow: v.GetDuration("dispatcher.dedupWindow"),
			Timezone:    v.GetString("dispatcher.timezone"),
		},
	}
}

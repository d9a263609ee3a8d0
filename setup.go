package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"node.town/babelfish/config"
	"node.town/babelfish/db"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively write config.yaml",
	Run: func(cmd *cobra.Command, args []string) {
		runSetup()
	},
}

type setupAnswers struct {
	SonioxAPIKey string
	RedisURL     string
	DatabaseURL  string
	HTTPPort     string
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("not a port: %q", s)
	}
	return nil
}

// writeSetup stores the answers in a fresh config file at path.
func writeSetup(a setupAnswers, path string) error {
	if err := validatePort(a.HTTPPort); err != nil {
		return err
	}
	port, _ := strconv.Atoi(a.HTTPPort)

	v := viper.New()
	v.Set(config.KeySonioxAPIKey, a.SonioxAPIKey)
	v.Set(config.KeyRedisURL, a.RedisURL)
	v.Set(config.KeyHTTPPort, port)
	if a.DatabaseURL != "" {
		v.Set(config.KeyDatabaseURL, a.DatabaseURL)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func runSetup() {
	logs := createLoggers(viper.GetString(config.KeyLogLevel))
	logs.main.Info("starting babelfish setup")

	a := setupAnswers{
		SonioxAPIKey: viper.GetString(config.KeySonioxAPIKey),
		RedisURL:     viper.GetString(config.KeyRedisURL),
		DatabaseURL:  viper.GetString(config.KeyDatabaseURL),
		HTTPPort:     strconv.Itoa(viper.GetInt(config.KeyHTTPPort)),
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Enter your Soniox API Key").
				Password(true).
				Value(&a.SonioxAPIKey),
			huh.NewInput().
				Title("Redis URL").
				Value(&a.RedisURL),
			huh.NewInput().
				Title("Postgres URL for analytics (leave empty to disable)").
				Value(&a.DatabaseURL),
			huh.NewInput().
				Title("HTTP port").
				Validate(validatePort).
				Value(&a.HTTPPort),
		),
	)

	if err := form.Run(); err != nil {
		logs.main.Fatal("error during setup", "error", err)
	}

	if a.DatabaseURL != "" {
		if err := prepareDatabase(a.DatabaseURL); err != nil {
			logs.data.Fatal("database", "error", err)
		}
	}

	if err := writeSetup(a, "config.yaml"); err != nil {
		logs.main.Fatal("save config", "error", err)
	}
	logs.main.Info("setup completed", "file", "config.yaml")
}

// prepareDatabase offers to create the database when it cannot be reached,
// then applies migrations.
func prepareDatabase(url string) error {
	logs := createLoggers(viper.GetString(config.KeyLogLevel))
	ctx := context.Background()

	pool, err := db.Open(ctx, url)
	if err != nil {
		logs.data.Error("failed to connect to database", "error", err)

		create := false
		huh.NewConfirm().
			Title("Do you want to create the database?").
			Value(&create).
			Run()
		if !create {
			return fmt.Errorf("database connection is required: %w", err)
		}

		if err := createDatabase(url); err != nil {
			return err
		}
		pool, err = db.Open(ctx, url)
		if err != nil {
			return err
		}
	}
	defer pool.Close()

	return db.Migrate(ctx, pool, logs.data, db.AskConfirm)
}

func createDatabase(url string) error {
	cfg, err := pgx.ParseConfig(url)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}

	args := []string{cfg.Database}
	if cfg.Host != "" {
		args = append([]string{"-h", cfg.Host, "-p", strconv.Itoa(int(cfg.Port))}, args...)
	}
	if cfg.User != "" {
		args = append([]string{"-U", cfg.User}, args...)
	}

	cmd := exec.Command("createdb", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if cfg.Password != "" {
		cmd.Env = append(os.Environ(), "PGPASSWORD="+cfg.Password)
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

// Command migrate applies pending analytics migrations without prompting,
// for deploy pipelines.
package main

import (
	"context"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"node.town/babelfish/config"
	"node.town/babelfish/db"
)

func main() {
	logger := log.New(os.Stdout)
	sqlLogger := logger.With().WithPrefix("data")

	if err := config.LoadEnv(); err != nil {
		logger.Fatal("load .env", "error", err)
	}
	v := viper.New()
	if err := config.Init(v, "."); err != nil {
		logger.Fatal("read config", "error", err)
	}

	url := v.GetString(config.KeyDatabaseURL)
	if url == "" {
		logger.Fatal("missing DATABASE_URL")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, url)
	if err != nil {
		logger.Fatal("open database", "error", err)
	}
	defer pool.Close()

	logger.Info("applying migrations")
	if err := db.Migrate(ctx, pool, sqlLogger, db.AutoConfirm); err != nil {
		logger.Fatal("apply migrations", "error", err)
	}
	logger.Info("migrations applied")
}

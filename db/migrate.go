package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Migration struct {
	ID          string
	Description string
	Up          func(context.Context, pgx.Tx) error
}

var migrations = []Migration{
	{
		ID:          "001_analytics",
		Description: "Create speaker_sessions and listener_connections",
		Up: func(ctx context.Context, tx pgx.Tx) error {
			sqlFile, err := sqlFS.ReadFile("db_init.sql")
			if err != nil {
				return fmt.Errorf("failed to read embedded db_init.sql: %w", err)
			}
			_, err = tx.Exec(ctx, string(sqlFile))
			return err
		},
	},
	{
		ID:          "002_active_indexes",
		Description: "Index open sessions and connections",
		Up: func(ctx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				CREATE INDEX IF NOT EXISTS speaker_sessions_active
					ON speaker_sessions (started_at) WHERE ended_at IS NULL;
				CREATE INDEX IF NOT EXISTS listener_connections_active
					ON listener_connections (language) WHERE disconnected_at IS NULL;
			`)
			return err
		},
	},
}

// Confirm decides whether a pending migration is applied.
type Confirm func(Migration) (bool, error)

func AutoConfirm(Migration) (bool, error) { return true, nil }

// AskConfirm prompts on the terminal for each pending migration.
func AskConfirm(m Migration) (bool, error) {
	var confirm bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("New migration found: %s", m.ID)).
		Description(m.Description).
		Value(&confirm).
		Run()
	return confirm, err
}

func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *log.Logger, confirm Confirm) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS migration_history (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating migration_history table: %w", err)
	}

	for _, migration := range migrations {
		var applied bool
		err := pool.QueryRow(ctx, "SELECT true FROM migration_history WHERE id = $1", migration.ID).Scan(&applied)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("error checking migration status: %w", err)
		}

		if applied {
			logger.Debug("skip migration", "id", migration.ID)
			continue
		}

		ok, err := confirm(migration)
		if err != nil {
			return fmt.Errorf("error getting user confirmation: %w", err)
		}
		if !ok {
			logger.Info("migration skipped", "id", migration.ID)
			continue
		}

		logger.Info("apply migration", "id", migration.ID)

		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if err := migration.Up(ctx, tx); err != nil {
				return fmt.Errorf("error applying migration %s: %w", migration.ID, err)
			}
			_, err := tx.Exec(ctx, "INSERT INTO migration_history (id) VALUES ($1)", migration.ID)
			if err != nil {
				return fmt.Errorf("error recording migration %s: %w", migration.ID, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// Migrator applies the SQL files under one directory with goose.
type Migrator struct {
	provider *goose.Provider
	logger   *zap.Logger
}

func NewMigrator(db *sql.DB, dir string, logger *zap.Logger) (*Migrator, error) {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("load migrations from %s: %w", dir, err)
	}
	return &Migrator{provider: provider, logger: logger}, nil
}

// Up applies every pending migration and logs each one.
func (m *Migrator) Up(ctx context.Context) error {
	results, err := m.provider.Up(ctx)
	for _, res := range results {
		m.logResult(res)
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if len(results) == 0 {
		m.logger.Info("Schema up to date")
	}
	return nil
}

// Down reverts the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	res, err := m.provider.Down(ctx)
	if res != nil {
		m.logResult(res)
	}
	if err != nil {
		return fmt.Errorf("revert migration: %w", err)
	}
	return nil
}

// Status logs one line per known migration.
func (m *Migrator) Status(ctx context.Context) error {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("read migration status: %w", err)
	}
	for _, st := range statuses {
		fields := []zap.Field{
			zap.Int64("version", st.Source.Version),
			zap.String("file", st.Source.Path),
			zap.String("state", string(st.State)),
		}
		if !st.AppliedAt.IsZero() {
			fields = append(fields, zap.Time("applied_at", st.AppliedAt))
		}
		m.logger.Info("Migration", fields...)
	}
	return nil
}

func (m *Migrator) logResult(res *goose.MigrationResult) {
	fields := []zap.Field{
		zap.Int64("version", res.Source.Version),
		zap.String("direction", res.Direction),
		zap.Duration("took", res.Duration),
	}
	if res.Error != nil {
		m.logger.Error("Migration failed", append(fields, zap.Error(res.Error))...)
		return
	}
	m.logger.Info("Migration applied", fields...)
}

// RunMigrations brings the schema at db up to date.
func RunMigrations(ctx context.Context, db *sql.DB, dir string, logger *zap.Logger) error {
	m, err := NewMigrator(db, dir, logger)
	if err != nil {
		return err
	}
	return m.Up(ctx)
}

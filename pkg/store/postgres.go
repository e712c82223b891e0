package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store over PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens the database and brings the relay-owned tables up to
// date via the embedded migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(s.db, "migrations")
}

func (s *PostgresStore) FindSession(ctx context.Context, id, userID string) (*PracticeSession, error) {
	var ps PracticeSession
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, topic, created_at
		   FROM practice_sessions
		  WHERE id = $1 AND user_id = $2`,
		id, userID,
	).Scan(&ps.ID, &ps.UserID, &ps.Status, &ps.Topic, &ps.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &ps, nil
}

func (s *PostgresStore) RecordAuditEvent(ctx context.Context, ev AuditEvent) error {
	ev = ev.withDefaults()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_audit_events (id, session_id, user_id, action, model, mode, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.SessionID, ev.UserID, ev.Action, ev.Model, ev.Mode, ev.Detail, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

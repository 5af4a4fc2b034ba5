// Package history keeps a log of service transitions in an SQLite database.
// A Store is an icebox.Observer and an admin facet serving the log.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/CZERTAINLY/icebox/internal/comm"

	_ "modernc.org/sqlite"
)

const (
	EventStarted = "started"
	EventStopped = "stopped"
)

type Transition struct {
	ID      int64     `json:"id"`
	Service string    `json:"service"`
	Event   string    `json:"event"`
	At      time.Time `json:"at"`
}

type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the database at path
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer, sqlite would answer SQLITE_BUSY otherwise
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service TEXT NOT NULL,
			event TEXT NOT NULL,
			at TEXT NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating table transitions: %w", err)
	}
	return &Store{
		db:   db,
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Store) ID() string {
	return "history:" + s.path
}

func (s *Store) ServicesStarted(ctx context.Context, services []string) error {
	return s.record(ctx, EventStarted, services)
}

func (s *Store) ServicesStopped(ctx context.Context, services []string) error {
	return s.record(ctx, EventStopped, services)
}

// record inserts one row per service in a single transaction
func (s *Store) record(ctx context.Context, event string, services []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "rolling back transaction", "error", err)
		}
	}()

	at := s.now().Format(time.RFC3339Nano)
	for _, service := range services {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO transitions (service, event, at) VALUES (?,?,?);`, service, event, at,
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// List returns the transitions of service, or of all services when service is
// empty, oldest first.
func (s *Store) List(ctx context.Context, service string) ([]Transition, error) {
	query := `SELECT id, service, event, at FROM transitions ORDER BY id`
	args := []any{}
	if service != "" {
		query = `SELECT id, service, event, at FROM transitions WHERE service=? ORDER BY id`
		args = append(args, service)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	ret := []Transition{}
	for rows.Next() {
		var (
			t  Transition
			at string
		)
		if err := rows.Scan(&t.ID, &t.Service, &t.Event, &at); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		t.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parsing time of transition %d: %w", t.ID, err)
		}
		ret = append(ret, t)
	}
	return ret, rows.Err()
}

// ServeHTTP answers GET /?service=<name> with the transitions as JSON
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	transitions, err := s.List(r.Context(), r.URL.Query().Get("service"))
	if err != nil {
		slog.ErrorContext(r.Context(), "listing transitions", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	comm.WriteJSON(w, http.StatusOK, transitions)
}

func (s *Store) Close() error {
	return s.db.Close()
}

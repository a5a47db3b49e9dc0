package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retain     int
	appends    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}

	st := &sqliteStore{db: db, log: log, retain: cfg.Retain, pruneEvery: 100}
	if st.retain <= 0 {
		st.retain = DefaultRetain
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, e Execution) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.Started.IsZero() {
		e.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, driver, op, topic, started, took_us, attempts, messages, outcome, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Driver, e.Op, nullStr(e.Topic), e.Started.UnixMicro(), e.Took.Microseconds(),
		e.Attempts, e.Messages, string(e.Outcome), nullStr(e.Error),
	)
	if err == nil && s.appends.Add(1)%s.pruneEvery == 0 {
		if perr := s.prune(ctx); perr != nil {
			s.log.Debug("sqlite prune failed", logx.Err(perr))
		}
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, q Query) ([]Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	const cols = `SELECT id, driver, op, topic, started, took_us, attempts, messages, outcome, err FROM executions`
	var (
		rows *sql.Rows
		err  error
	)
	if q.Driver != "" {
		rows, err = s.db.QueryContext(ctx, cols+` WHERE driver = ? ORDER BY seq DESC LIMIT ?`, q.Driver, q.limit())
	} else {
		rows, err = s.db.QueryContext(ctx, cols+` ORDER BY seq DESC LIMIT ?`, q.limit())
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e               Execution
			topic, errText  sql.NullString
			started, tookUS int64
			outcome         string
		)
		if err := rows.Scan(&e.ID, &e.Driver, &e.Op, &topic, &started, &tookUS, &e.Attempts, &e.Messages, &outcome, &errText); err != nil {
			return nil, err
		}
		e.Topic = topic.String
		e.Error = errText.String
		e.Started = time.UnixMicro(started)
		e.Took = time.Duration(tookUS) * time.Microsecond
		e.Outcome = Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}

// prune drops everything but the newest retain rows.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE seq <= (SELECT MAX(seq) FROM executions) - ?`, s.retain)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

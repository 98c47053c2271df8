// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DefaultEventTable is the table PostgresSink writes to when none is given.
const DefaultEventTable = "bench_events"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresSink inserts one row per event.
type PostgresSink struct {
	db      execer
	closer  func() error
	table   string
	insert  string
	timeout time.Duration
}

// OpenPostgresSink connects to dsn, verifies the connection and creates the
// event table if it does not exist.
func OpenPostgresSink(ctx context.Context, dsn, table string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not ping database: %w", err)
	}

	s := newPostgresSink(db, table)
	s.closer = db.Close
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresSink(db execer, table string) *PostgresSink {
	if table == "" {
		table = DefaultEventTable
	}
	quoted := pq.QuoteIdentifier(table)
	return &PostgresSink{
		db:    db,
		table: quoted,
		insert: fmt.Sprintf(`INSERT INTO %s (ts, category, name, subject, duration_ms, payload_size, outcome, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, quoted),
		timeout: 5 * time.Second,
	}
}

// EnsureSchema creates the event table.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	category TEXT NOT NULL,
	name TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	duration_ms DOUBLE PRECISION NOT NULL,
	payload_size INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT ''
)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

// Record implements Sink.
func (s *PostgresSink) Record(ev Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.insert,
		ev.Timestamp.UTC(),
		ev.Category,
		ev.Name,
		ev.Subject,
		float64(ev.Duration)/float64(time.Millisecond),
		ev.PayloadSize,
		string(ev.Outcome),
		ev.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Close closes the database handle if the sink owns it.
func (s *PostgresSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

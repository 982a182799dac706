package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// A script is a database/sql driver that plays back the statements a test
// expects, in order. Any statement out of order fails the call.

type stepKind string

const (
	stepExec     stepKind = "exec"
	stepQuery    stepKind = "query"
	stepBegin    stepKind = "begin"
	stepCommit   stepKind = "commit"
	stepRollback stepKind = "rollback"
)

type step struct {
	kind     stepKind
	sql      string
	affected int64
	columns  []string
	rows     [][]driver.Value
	err      error
}

func expectExec(query string, affected int64) step {
	return step{kind: stepExec, sql: query, affected: affected}
}

func expectExecError(query string, err error) step {
	return step{kind: stepExec, sql: query, err: err}
}

func expectQuery(query string, columns []string, rows ...[]driver.Value) step {
	return step{kind: stepQuery, sql: query, columns: columns, rows: rows}
}

func expectBegin() step    { return step{kind: stepBegin} }
func expectCommit() step   { return step{kind: stepCommit} }
func expectRollback() step { return step{kind: stepRollback} }

type script struct {
	mu    sync.Mutex
	steps []step
	pos   int
}

var scriptSeq atomic.Int64

// openScript registers a fresh driver for steps and checks at cleanup that
// every step ran.
func openScript(t *testing.T, steps ...step) *sql.DB {
	t.Helper()
	s := &script{steps: steps}
	name := fmt.Sprintf("receiptchain-script-%d", scriptSeq.Add(1))
	sql.Register(name, s)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open scripted db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		db.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pos != len(s.steps) {
			t.Errorf("scripted db ran %d of %d steps", s.pos, len(s.steps))
		}
	})
	return db
}

func (s *script) Open(string) (driver.Conn, error) { return scriptConn{s}, nil }

func (s *script) take(kind stepKind, query string) (step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.steps) {
		return step{}, fmt.Errorf("unexpected %s %q", kind, squash(query))
	}
	next := s.steps[s.pos]
	if next.kind != kind {
		return step{}, fmt.Errorf("step %d: want %s, got %s", s.pos, next.kind, kind)
	}
	if next.sql != "" && squash(next.sql) != squash(query) {
		return step{}, fmt.Errorf("step %d: want %q, got %q", s.pos, squash(next.sql), squash(query))
	}
	s.pos++
	return next, next.err
}

type scriptConn struct{ s *script }

func (c scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepared statements are not scripted: %s", query)
}

func (c scriptConn) Close() error { return nil }

func (c scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.s.take(stepBegin, ""); err != nil {
		return nil, err
	}
	return scriptTx{c.s}, nil
}

func (c scriptConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	st, err := c.s.take(stepExec, query)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(st.affected), nil
}

func (c scriptConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	st, err := c.s.take(stepQuery, query)
	if err != nil {
		return nil, err
	}
	return &scriptRows{columns: st.columns, rows: st.rows}, nil
}

func (c scriptConn) Ping(context.Context) error { return nil }

type scriptTx struct{ s *script }

func (tx scriptTx) Commit() error {
	_, err := tx.s.take(stepCommit, "")
	return err
}

func (tx scriptTx) Rollback() error {
	_, err := tx.s.take(stepRollback, "")
	return err
}

type scriptRows struct {
	columns []string
	rows    [][]driver.Value
}

func (r *scriptRows) Columns() []string { return r.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if len(r.rows) == 0 {
		return io.EOF
	}
	copy(dest, r.rows[0])
	r.rows = r.rows[1:]
	return nil
}

func squash(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

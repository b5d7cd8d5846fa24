// Package testutil provides an in-memory stub database that understands the
// statements the catalog store issues, for postgres store tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

// Row is one stored row keyed by lower-case column name.
type Row map[string]any

// StubConn records statements and keeps table contents in memory.
type StubConn struct {
	mu     sync.Mutex
	Execs  []string
	Tables map[string][]Row
	nextID map[string]int64

	FailExec   bool
	FailCommit bool
	// FailBegin, when set, is returned by the next BeginTx and then cleared.
	FailBegin error
}

var stubSeq atomic.Int64

// NewStubDB registers a sql.DB backed by a fresh stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := NewStubConn()
	return OpenStub(conn), conn
}

// NewStubConn returns an empty stub connection.
func NewStubConn() *StubConn {
	return &StubConn{Tables: make(map[string][]Row), nextID: make(map[string]int64)}
}

// OpenStub returns a new sql.DB whose connections all share conn, so state
// survives a pool being closed and reopened.
func OpenStub(conn *StubConn) *sql.DB {
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db
}

// Seed appends a row to table, assigning an id when the row has none.
func (c *StubConn) Seed(table string, row Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(table, row)
}

// Rows returns a copy of the rows in table.
func (c *StubConn) Rows(table string) []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Row, 0, len(c.Tables[table]))
	for _, r := range c.Tables[table] {
		cp := make(Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// Statements returns a copy of the recorded statements.
func (c *StubConn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Execs...)
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return &stubSession{conn: d.conn}, nil
}

// stubSession is one driver connection over the shared StubConn.
type stubSession struct {
	conn *StubConn
}

func (s *stubSession) Prepare(query string) (driver.Stmt, error) {
	return &stubStmt{conn: s.conn, query: query}, nil
}

func (s *stubSession) Close() error { return nil }

func (s *stubSession) Begin() (driver.Tx, error) {
	return s.BeginTx(context.Background(), driver.TxOptions{})
}

func (s *stubSession) Ping(ctx context.Context) error { return s.conn.Ping(ctx) }

func (s *stubSession) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	return s.conn.BeginTx(ctx, opts)
}

func (s *stubSession) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return s.conn.ExecContext(ctx, query, args)
}

func (s *stubSession) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return s.conn.QueryContext(ctx, query, args)
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailExec {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.FailBegin; err != nil {
		c.FailBegin = nil
		return nil, err
	}
	return &stubTx{conn: c}, nil
}

var (
	insertRe = regexp.MustCompile(`(?is)^INSERT INTO (\w+) \(([^)]*)\) VALUES (.*?)( ON CONFLICT .*)?$`)
	deleteRe = regexp.MustCompile(`(?is)^DELETE FROM (\w+) WHERE gene_id = \$1 AND id IN \(`)
	updateRe = regexp.MustCompile(`(?is)^UPDATE (\w+) SET (.*) WHERE (.*)$`)
	assignRe = regexp.MustCompile(`(\w+) = \$(\d+)`)
)

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	q := strings.TrimSpace(query)
	switch {
	case insertRe.MatchString(q):
		m := insertRe.FindStringSubmatch(q)
		table, cols := strings.ToLower(m[1]), splitColumns(m[2])
		if len(args)%len(cols) != 0 {
			return nil, fmt.Errorf("column/arg mismatch for %s", table)
		}
		ignore := m[4] != ""
		var n int64
		for start := 0; start < len(args); start += len(cols) {
			row := make(Row, len(cols))
			for i, col := range cols {
				row[col] = args[start+i].Value
			}
			if ignore && c.conflictLocked(table, row) {
				continue
			}
			c.insertLocked(table, row)
			n++
		}
		return driver.RowsAffected(n), nil
	case deleteRe.MatchString(q):
		table := strings.ToLower(deleteRe.FindStringSubmatch(q)[1])
		gene := args[0].Value
		ids := make(map[any]bool, len(args)-1)
		for _, a := range args[1:] {
			ids[a.Value] = true
		}
		var kept []Row
		var n int64
		for _, row := range c.Tables[table] {
			if row["gene_id"] == gene && ids[row["id"]] {
				n++
				continue
			}
			kept = append(kept, row)
		}
		c.Tables[table] = kept
		return driver.RowsAffected(n), nil
	case updateRe.MatchString(q):
		m := updateRe.FindStringSubmatch(q)
		table := strings.ToLower(m[1])
		set := assignments(m[2], args)
		where := assignments(m[3], args)
		var n int64
		for _, row := range c.Tables[table] {
			if matches(row, where) {
				for k, v := range set {
					row[k] = v
				}
				n++
			}
		}
		return driver.RowsAffected(n), nil
	}
	return driver.RowsAffected(0), nil
}

// QueryContext implements driver.QueryerContext for "SELECT cols FROM table".
func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	table, cols, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	values := make([][]driver.Value, 0, len(c.Tables[table]))
	for _, row := range c.Tables[table] {
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{cols: cols, rows: values}, nil
}

func (c *StubConn) insertLocked(table string, row Row) {
	if id, ok := row["id"].(int64); ok {
		if id > c.nextID[table] {
			c.nextID[table] = id
		}
	} else {
		c.nextID[table]++
		row["id"] = c.nextID[table]
	}
	c.Tables[table] = append(c.Tables[table], row)
}

func (c *StubConn) conflictLocked(table string, row Row) bool {
	for _, existing := range c.Tables[table] {
		if existing["gene_id"] == row["gene_id"] && existing["name"] == row["name"] {
			return true
		}
	}
	return false
}

func assignments(clause string, args []driver.NamedValue) map[string]any {
	out := make(map[string]any)
	for _, m := range assignRe.FindAllStringSubmatch(clause, -1) {
		var idx int
		_, _ = fmt.Sscanf(m[2], "%d", &idx)
		if idx >= 1 && idx <= len(args) {
			out[strings.ToLower(m[1])] = args[idx-1].Value
		}
	}
	return out
}

func matches(row Row, where map[string]any) bool {
	for k, v := range where {
		if row[k] != v {
			return false
		}
	}
	return true
}

type stubStmt struct {
	conn  *StubConn
	query string
}

func (s *stubStmt) Close() error  { return nil }
func (s *stubStmt) NumInput() int { return -1 }

func (s *stubStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.conn.ExecContext(context.Background(), s.query, named(args))
}

func (s *stubStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.conn.QueryContext(context.Background(), s.query, named(args))
}

func named(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	return nil
}
func (t *stubTx) Rollback() error { return nil }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func parseSelect(query string) (string, []string, error) {
	lower := strings.ToLower(query)
	selectPrefix := "select "
	fromToken := " from "
	if !strings.HasPrefix(lower, selectPrefix) {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := strings.Index(lower, fromToken)
	if fromIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	cols := query[len(selectPrefix):fromIdx]
	table := strings.TrimSpace(query[fromIdx+len(fromToken):])
	if table == "" {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	table = strings.Fields(table)[0]
	return strings.ToLower(table), splitColumns(cols), nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/playbook/pkg/schema"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// dialect captures the differences between the SQL backends.
type dialect struct {
	name        string
	numbered    bool // $1, $2 placeholders instead of ?
	maxOpenConn int
}

var (
	libsqlDialect   = dialect{name: "libsql", maxOpenConn: 1}
	postgresDialect = dialect{name: "postgres", numbered: true}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore is the Store core shared by the libSQL and Postgres backends.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(query), args...)
	return err
}

// loadBody reads one JSON body column into dst.
func (s *sqlStore) loadBody(ctx context.Context, resource, query, id string, dst any) error {
	var body string
	err := s.db.QueryRowContext(ctx, s.d.rebind(query), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(resource, id)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return fmt.Errorf("unmarshal %s %s: %w", resource, id, err)
	}
	return nil
}

func scanBodies[T any](rows *sql.Rows) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal([]byte(body), v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Definitions ---

func (s *sqlStore) SaveDefinition(ctx context.Context, def *schema.Definition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	now := formatTime(time.Now())
	return s.exec(ctx,
		`INSERT INTO definitions (id, name, version, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, version=excluded.version, body=excluded.body, updated_at=excluded.updated_at`,
		def.ID, def.Name, def.Version, string(body), now, now,
	)
}

func (s *sqlStore) GetDefinition(ctx context.Context, id string) (*schema.Definition, error) {
	def := &schema.Definition{}
	if err := s.loadBody(ctx, "definition", `SELECT body FROM definitions WHERE id = ?`, id, def); err != nil {
		return nil, err
	}
	return def, nil
}

func (s *sqlStore) ListDefinitions(ctx context.Context) ([]*schema.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM definitions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanBodies[schema.Definition](rows)
}

// --- Execution records ---

func (s *sqlStore) SaveExecutionRecord(ctx context.Context, rec *schema.ExecutionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution record: %w", err)
	}
	return s.exec(ctx,
		`INSERT INTO executions (id, definition_id, status, body, created_at, updated_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, body=excluded.body, updated_at=excluded.updated_at, completed_at=excluded.completed_at`,
		rec.ID, rec.DefinitionID, string(rec.Status), string(body),
		formatTime(timeOrNow(rec.CreatedAt)), formatTime(timeOrNow(rec.UpdatedAt)), nullTime(rec.CompletedAt),
	)
}

func (s *sqlStore) LoadExecutionRecord(ctx context.Context, id string) (*schema.ExecutionRecord, error) {
	rec := &schema.ExecutionRecord{}
	if err := s.loadBody(ctx, "execution", `SELECT body FROM executions WHERE id = ?`, id, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqlStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error) {
	var where []string
	var args []any

	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if statuses := filter.statuses(); len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT body FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return scanBodies[schema.ExecutionRecord](rows)
}

// --- Approval requests ---

func (s *sqlStore) SaveApprovalRequest(ctx context.Context, req *schema.ApprovalRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal approval request: %w", err)
	}
	return s.exec(ctx,
		`INSERT INTO approvals (id, execution_id, node_id, status, timeout_at, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, timeout_at=excluded.timeout_at, body=excluded.body, updated_at=excluded.updated_at`,
		req.ID, req.ExecutionID, req.NodeID, string(req.Status), formatTime(req.TimeoutAt), string(body),
		formatTime(timeOrNow(req.CreatedAt)), formatTime(timeOrNow(req.UpdatedAt)),
	)
}

func (s *sqlStore) LoadApprovalRequest(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	req := &schema.ApprovalRequest{}
	if err := s.loadBody(ctx, "approval", `SELECT body FROM approvals WHERE id = ?`, id, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *sqlStore) LoadPendingApprovals(ctx context.Context, before time.Time) ([]*schema.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		s.d.rebind(`SELECT body FROM approvals WHERE status = ? AND timeout_at <= ? ORDER BY timeout_at, id`),
		string(schema.ApprovalPending), formatTime(before),
	)
	if err != nil {
		return nil, err
	}
	return scanBodies[schema.ApprovalRequest](rows)
}

func (s *sqlStore) ListApprovals(ctx context.Context, executionID string) ([]*schema.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		s.d.rebind(`SELECT body FROM approvals WHERE execution_id = ? ORDER BY created_at, id`), executionID)
	if err != nil {
		return nil, err
	}
	return scanBodies[schema.ApprovalRequest](rows)
}

// Close closes the database.
func (s *sqlStore) Close() error { return s.db.Close() }

// DB returns the underlying *sql.DB.
func (s *sqlStore) DB() *sql.DB { return s.db }

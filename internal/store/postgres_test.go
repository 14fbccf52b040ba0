package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgres_SaveExecutionRecord(t *testing.T) {
	s, mock := newMockPostgres(t)
	rec := testRecord("exec-1", schema.ExecutionRunning, epoch)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO executions (id, definition_id, status, body, created_at, updated_at, completed_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`)).
		WithArgs("exec-1", "def-1", "running", sqlmock.AnyArg(), formatTime(epoch), formatTime(epoch), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveExecutionRecord(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadExecutionRecord(t *testing.T) {
	s, mock := newMockPostgres(t)
	body, err := json.Marshal(testRecord("exec-1", schema.ExecutionWaitingApproval, epoch))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT body FROM executions WHERE id = $1`)).
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(string(body)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT body FROM executions WHERE id = $1`)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))

	got, err := s.LoadExecutionRecord(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionWaitingApproval, got.Status)
	assert.Equal(t, "block_ip", got.Definition.Nodes[0].ID)

	_, err = s.LoadExecutionRecord(context.Background(), "ghost")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadPendingApprovals(t *testing.T) {
	s, mock := newMockPostgres(t)
	a, _ := json.Marshal(testApproval("apr-1", "exec-1", schema.ApprovalPending, epoch.Add(-time.Minute)))
	b, _ := json.Marshal(testApproval("apr-2", "exec-2", schema.ApprovalPending, epoch))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT body FROM approvals WHERE status = $1 AND timeout_at <= $2 ORDER BY timeout_at, id`)).
		WithArgs("pending", formatTime(epoch)).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(string(a)).AddRow(string(b)))

	due, err := s.LoadPendingApprovals(context.Background(), epoch)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "apr-1", due[0].ID)
	assert.Equal(t, "exec-2", due[1].ExecutionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListActiveExecutions(t *testing.T) {
	s, mock := newMockPostgres(t)
	body, _ := json.Marshal(testRecord("exec-1", schema.ExecutionRunning, epoch))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT body FROM executions WHERE status IN ($1, $2, $3) ORDER BY created_at, id LIMIT $4`)).
		WithArgs("pending", "running", "waiting_approval", 10).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(string(body)))

	recs, err := s.ListExecutions(context.Background(), ExecutionFilter{Active: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveApprovalRequestError(t *testing.T) {
	s, mock := newMockPostgres(t)
	req := testApproval("apr-1", "exec-1", schema.ApprovalPending, epoch)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO approvals`)).
		WithArgs("apr-1", "exec-1", "block_ip", "pending", formatTime(epoch), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := s.SaveApprovalRequest(context.Background(), req)
	assert.EqualError(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MigrateUsesNumberedPlaceholders(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_version`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	for _, m := range migrations {
		mock.ExpectBegin()
		for range m.statements {
			mock.ExpectExec(`^\s*CREATE `).WillReturnResult(sqlmock.NewResult(0, 0))
		}
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO schema_version (version, name) VALUES ($1, $2)`)).
			WithArgs(m.version, m.name).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MigrateRollsBackFailedScript(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_version`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectExec(`^\s*CREATE `).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration 1 (initial_schema)")
	assert.NoError(t, mock.ExpectationsWereMet())
}

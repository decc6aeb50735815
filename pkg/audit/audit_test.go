package audit_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/gantrylabs/gantry/pkg/audit"
)

func TestLogger_Success_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Success(context.Background(), audit.OpRefresh, "inst-1", "user-1", nil)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	// Parse the JSON part
	jsonPart := strings.TrimPrefix(output, "AUDIT: ")
	jsonPart = strings.TrimSpace(jsonPart)

	var event audit.Event
	err = json.Unmarshal([]byte(jsonPart), &event)
	require.NoError(t, err)

	assert.Equal(t, audit.OpRefresh, event.Operation)
	assert.Equal(t, audit.StatusSuccess, event.Status)
	assert.Equal(t, "inst-1", event.InstanceID)
	assert.Equal(t, "user-1", event.UserID)
	assert.Empty(t, event.Error)
	assert.NotEmpty(t, event.ID)
	// UUID format: 8-4-4-4-12
	assert.Len(t, event.ID, 36)
}

func TestLogger_Failure_CarriesCause(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	cause := errors.New("invalid_grant")
	err := logger.Failure(context.Background(), audit.OpRefresh, "inst-1", "user-1", cause,
		map[string]any{"attempt": 2})
	require.NoError(t, err)

	jsonPart := strings.TrimPrefix(buf.String(), "AUDIT: ")
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(jsonPart)), &event))

	assert.Equal(t, audit.StatusFailure, event.Status)
	assert.Equal(t, "invalid_grant", event.Error)
	assert.EqualValues(t, 2, event.Metadata["attempt"])
}

func TestLogger_MasksSecretMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	meta := map[string]any{
		"access_token": "gho_1234567890abcdef",
		"provider":     "github",
	}
	require.NoError(t, logger.Success(context.Background(), audit.OpExchange, "inst-1", "user-1", meta))

	out := buf.String()
	assert.NotContains(t, out, "gho_1234567890abcdef")
	assert.Contains(t, out, `"access_token":"gho_..."`)
	assert.Contains(t, out, `"provider":"github"`)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", audit.MaskSecret(""))
	assert.Equal(t, "****", audit.MaskSecret("abcd"))
	assert.Equal(t, "gho_...", audit.MaskSecret("gho_verylongtoken"))
}

func setupAuditDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE credential_audit (
			id TEXT PRIMARY KEY,
			instance_id TEXT,
			user_id TEXT,
			operation TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL
		)`)
	require.NoError(t, err)
	return db
}

func TestDBLogger_RecordAndHistory(t *testing.T) {
	db := setupAuditDB(t)
	logger := audit.NewDBLogger(db)
	ctx := context.Background()

	require.NoError(t, logger.Success(ctx, audit.OpExchange, "inst-1", "user-1", nil))
	require.NoError(t, logger.Failure(ctx, audit.OpRefresh, "inst-1", "user-1",
		errors.New("transient: 503"), map[string]any{"attempt": 1}))
	require.NoError(t, logger.Success(ctx, audit.OpRefresh, "inst-2", "user-1", nil))

	history, err := logger.History(ctx, "inst-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Newest first.
	assert.Equal(t, audit.OpRefresh, history[0].Operation)
	assert.Equal(t, audit.StatusFailure, history[0].Status)
	assert.Equal(t, "transient: 503", history[0].Error)
	assert.EqualValues(t, 1, history[0].Metadata["attempt"])
	assert.Equal(t, audit.OpExchange, history[1].Operation)
	assert.Equal(t, audit.StatusSuccess, history[1].Status)
	assert.Empty(t, history[1].Metadata)
}

func TestDBLogger_HistoryLimit(t *testing.T) {
	db := setupAuditDB(t)
	logger := audit.NewDBLogger(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Success(ctx, audit.OpAccess, "inst-1", "user-1", nil))
	}
	history, err := logger.History(ctx, "inst-1", 3)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestDBLogger_FailClosedWithoutStore(t *testing.T) {
	logger := audit.NewDBLogger(nil)
	err := logger.Success(context.Background(), audit.OpAccess, "inst-1", "user-1", nil)
	require.Error(t, err)

	_, err = logger.History(context.Background(), "inst-1", 10)
	require.Error(t, err)
}

func TestNopLoggerDiscards(t *testing.T) {
	var nop audit.Nop
	require.NoError(t, nop.Success(context.Background(), audit.OpAccess, "i", "u", nil))
	require.NoError(t, nop.Failure(context.Background(), audit.OpAccess, "i", "u", errors.New("x"), nil))
}

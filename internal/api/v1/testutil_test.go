package v1_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/tandem/internal/domain"
)

// parseErrorBody decodes the RFC 9457 problem detail from the response body.
func parseErrorBody(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

// decodeBody decodes a JSON response into T. Object bodies carry a $schema
// link that T ignores.
func decodeBody[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var body T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

type countBody struct {
	Count int `json:"count"`
}

type yoloBody struct {
	Enabled bool `json:"enabled"`
}

// ---------------------------------------------------------------------------
// Mock SessionService
// ---------------------------------------------------------------------------

type mockSessions struct {
	createFunc    func(ctx context.Context, cfg domain.SessionConfig) (*domain.Session, error)
	promptFunc    func(ctx context.Context, sessionID, prompt string) error
	interruptFunc func(ctx context.Context, sessionID string) error
	terminateFunc func(ctx context.Context, sessionID string) error
	getFunc       func(sessionID string) (*domain.Session, error)
	listFunc      func() []*domain.Session
}

func (m *mockSessions) CreateSession(ctx context.Context, cfg domain.SessionConfig) (*domain.Session, error) {
	return m.createFunc(ctx, cfg)
}

func (m *mockSessions) SendPrompt(ctx context.Context, sessionID, prompt string) error {
	return m.promptFunc(ctx, sessionID, prompt)
}

func (m *mockSessions) SendInterrupt(ctx context.Context, sessionID string) error {
	return m.interruptFunc(ctx, sessionID)
}

func (m *mockSessions) TerminateSession(ctx context.Context, sessionID string) error {
	return m.terminateFunc(ctx, sessionID)
}

func (m *mockSessions) Get(sessionID string) (*domain.Session, error) {
	return m.getFunc(sessionID)
}

func (m *mockSessions) List() []*domain.Session {
	return m.listFunc()
}

// ---------------------------------------------------------------------------
// Mock EditArbiter
// ---------------------------------------------------------------------------

type mockArbiter struct {
	queueFunc        func(ctx context.Context, edit domain.PendingEdit) error
	acceptFunc       func(ctx context.Context, editID string) (domain.ApplyResult, error)
	resolveFunc      func(ctx context.Context, editID, resolved string) (domain.ApplyResult, error)
	rejectFunc       func(ctx context.Context, editID string) error
	checkFunc        func(ctx context.Context, editID string) (*domain.Conflict, error)
	acceptAllFunc    func(ctx context.Context, sessionID string) []domain.ApplyResult
	rejectAllFunc    func(ctx context.Context, sessionID string) int
	clearSessionFunc func(sessionID string) int
	queueListFunc    func(sessionID string) []domain.PendingEdit
	getFunc          func(editID string) (domain.PendingEdit, error)
	pendingCountFunc func() int
	auditFunc        func() []domain.AuditEntry
	clearAuditFunc   func(ctx context.Context) error

	yolo bool
}

func (m *mockArbiter) QueueEdit(ctx context.Context, edit domain.PendingEdit) error {
	return m.queueFunc(ctx, edit)
}

func (m *mockArbiter) AcceptEdit(ctx context.Context, editID string) (domain.ApplyResult, error) {
	return m.acceptFunc(ctx, editID)
}

func (m *mockArbiter) ResolveConflict(ctx context.Context, editID, resolved string) (domain.ApplyResult, error) {
	return m.resolveFunc(ctx, editID, resolved)
}

func (m *mockArbiter) RejectEdit(ctx context.Context, editID string) error {
	return m.rejectFunc(ctx, editID)
}

func (m *mockArbiter) CheckEdit(ctx context.Context, editID string) (*domain.Conflict, error) {
	return m.checkFunc(ctx, editID)
}

func (m *mockArbiter) AcceptAll(ctx context.Context, sessionID string) []domain.ApplyResult {
	return m.acceptAllFunc(ctx, sessionID)
}

func (m *mockArbiter) RejectAll(ctx context.Context, sessionID string) int {
	return m.rejectAllFunc(ctx, sessionID)
}

func (m *mockArbiter) ClearSession(sessionID string) int {
	return m.clearSessionFunc(sessionID)
}

func (m *mockArbiter) GetEditQueue(sessionID string) []domain.PendingEdit {
	return m.queueListFunc(sessionID)
}

func (m *mockArbiter) GetEdit(editID string) (domain.PendingEdit, error) {
	return m.getFunc(editID)
}

func (m *mockArbiter) GetPendingCount() int {
	return m.pendingCountFunc()
}

func (m *mockArbiter) SetYoloMode(enabled bool) { m.yolo = enabled }

func (m *mockArbiter) YoloMode() bool { return m.yolo }

func (m *mockArbiter) GetAuditLog() []domain.AuditEntry {
	return m.auditFunc()
}

func (m *mockArbiter) ClearAuditLog(ctx context.Context) error {
	return m.clearAuditFunc(ctx)
}

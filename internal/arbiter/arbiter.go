// Package arbiter queues the file edits proposed by the CLI and resolves
// them against the working tree.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tandem/internal/domain"
)

var (
	// ErrDuplicateEdit is returned when an edit id is already queued.
	ErrDuplicateEdit = errors.New("arbiter: edit already queued") //nolint:gochecknoglobals // sentinel error
	// ErrEditRetired is returned when an edit id was already resolved or cleared.
	ErrEditRetired = errors.New("arbiter: edit already resolved") //nolint:gochecknoglobals // sentinel error
	// ErrEditBusy is returned when an edit is being applied.
	ErrEditBusy = errors.New("arbiter: edit is being applied") //nolint:gochecknoglobals // sentinel error
	// ErrNoConflict is returned by ResolveConflict for an edit that is not conflicted.
	ErrNoConflict = errors.New("arbiter: edit is not conflicted") //nolint:gochecknoglobals // sentinel error
)

// FileBoundary applies edits to the working tree.
type FileBoundary interface {
	// ApplyEdit writes ProposedContent if the file still holds OriginalContent.
	// Conflicts and write failures are reported in the result; a returned
	// error is treated like an error result.
	ApplyEdit(ctx context.Context, req domain.ApplyRequest) (domain.ApplyResult, error)
	// RejectEdit notifies the boundary that an edit was discarded.
	RejectEdit(ctx context.Context, editID string) error
	// CheckFileModified compares the file's sha256 with expectedHash.
	CheckFileModified(ctx context.Context, path, expectedHash string) (domain.FileStatus, error)
}

// Notifier alerts an operator when an auto-accept fails. Auto-accept
// failures are never returned to callers.
type Notifier interface {
	NotifyAutoAcceptFailure(ctx context.Context, edit domain.PendingEdit, result domain.ApplyResult) error
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithAuditRepository writes every audit entry through to repo.
func WithAuditRepository(repo domain.AuditRepository) Option {
	return func(a *Arbiter) {
		a.audit = newAuditLog(repo)
	}
}

// WithNotifier sets the operator notifier for auto-accept failures.
func WithNotifier(n Notifier) Option {
	return func(a *Arbiter) {
		a.notifier = n
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) {
		a.now = now
	}
}

// lane serialises the applies of one session. Auto-accepts drain pending in
// FIFO order on a single goroutine.
type lane struct {
	apply   sync.Mutex
	pending []string
	running bool
}

// Arbiter owns the edit queues of every session.
type Arbiter struct {
	files    FileBoundary
	notifier Notifier
	audit    *auditLog
	now      func() time.Time

	mu    sync.Mutex
	queue *queue
	lanes map[string]*lane
	yolo  bool

	wg sync.WaitGroup
}

func New(files FileBoundary, opts ...Option) *Arbiter {
	a := &Arbiter{
		files: files,
		audit: newAuditLog(nil),
		now:   time.Now,
		queue: newQueue(),
		lanes: make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LoadAudit replaces the in-memory audit log with the persisted one.
func (a *Arbiter) LoadAudit(ctx context.Context) error {
	return a.audit.load(ctx)
}

// QueueEdit appends an edit to its session's queue. In YOLO mode the edit
// is then auto-accepted in the background.
func (a *Arbiter) QueueEdit(_ context.Context, edit domain.PendingEdit) error {
	if err := validateEdit(edit); err != nil {
		return fmt.Errorf("arbiter.Arbiter.QueueEdit: %w", err)
	}
	if edit.Timestamp.IsZero() {
		edit.Timestamp = a.now()
	}
	edit.State = ""

	a.mu.Lock()
	if err := a.queue.add(edit); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("arbiter.Arbiter.QueueEdit(%s): %w", edit.ID, err)
	}
	yolo := a.yolo
	if yolo {
		a.enqueueAutoLocked(edit.SessionID, edit.ID)
	}
	a.mu.Unlock()

	log.Debug().Str("session_id", edit.SessionID).Str("edit_id", edit.ID).Str("file_path", edit.FilePath).Bool("yolo", yolo).Msg("arbiter.Arbiter.QueueEdit: queued")
	return nil
}

// AcceptEdit applies an edit. On success the edit leaves its queue and an
// accepted entry is audited. On conflict or error it stays queued and the
// outcome is returned as data. The only returned errors are lookup failures.
func (a *Arbiter) AcceptEdit(ctx context.Context, editID string) (domain.ApplyResult, error) {
	item, ln, err := a.claim(editID, domain.EditStateAccepted)
	if err != nil {
		return domain.ApplyResult{}, fmt.Errorf("arbiter.Arbiter.AcceptEdit: %w", err)
	}
	return a.apply(ctx, item, ln, domain.AuditActionAccepted), nil
}

// ResolveConflict retries a conflicted edit with content the user merged
// against what is now on disk.
func (a *Arbiter) ResolveConflict(ctx context.Context, editID, resolved string) (domain.ApplyResult, error) {
	a.mu.Lock()
	item, ok := a.queue.get(editID)
	switch {
	case !ok:
		a.mu.Unlock()
		return domain.ApplyResult{}, fmt.Errorf("arbiter.Arbiter.ResolveConflict(%s): %w", editID, domain.ErrNotFound)
	case item.inflight:
		a.mu.Unlock()
		return domain.ApplyResult{}, fmt.Errorf("arbiter.Arbiter.ResolveConflict(%s): %w", editID, ErrEditBusy)
	case item.state != domain.EditStateConflicted || item.conflict == nil:
		a.mu.Unlock()
		return domain.ApplyResult{}, fmt.Errorf("arbiter.Arbiter.ResolveConflict(%s): %w", editID, ErrNoConflict)
	}
	if err := a.queue.settle(item, domain.EditStateQueued); err != nil {
		a.mu.Unlock()
		return domain.ApplyResult{}, fmt.Errorf("arbiter.Arbiter.ResolveConflict: %w", err)
	}
	item.edit.OriginalContent = item.conflict.CurrentContent
	item.edit.ProposedContent = resolved
	item.conflict = nil
	item.inflight = true
	ln := a.laneLocked(item.edit.SessionID)
	a.mu.Unlock()

	return a.apply(ctx, item, ln, domain.AuditActionAccepted), nil
}

// RejectEdit removes an edit and audits the rejection. The boundary is
// notified afterwards; a failed notification is logged and does not restore
// the edit.
func (a *Arbiter) RejectEdit(ctx context.Context, editID string) error {
	a.mu.Lock()
	item, ok := a.queue.get(editID)
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("arbiter.Arbiter.RejectEdit(%s): %w", editID, domain.ErrNotFound)
	}
	if item.inflight {
		a.mu.Unlock()
		return fmt.Errorf("arbiter.Arbiter.RejectEdit(%s): %w", editID, ErrEditBusy)
	}
	edit := item.edit
	if err := a.queue.settle(item, domain.EditStateRejected); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("arbiter.Arbiter.RejectEdit: %w", err)
	}
	a.mu.Unlock()

	a.audit.record(ctx, edit, domain.AuditActionRejected, a.now())

	if err := a.files.RejectEdit(ctx, editID); err != nil {
		log.Warn().Err(err).Str("session_id", edit.SessionID).Str("edit_id", editID).Msg("arbiter.Arbiter.RejectEdit: boundary notification failed")
	}
	return nil
}

// AcceptAll accepts the session's edits one at a time in queue order and
// stops after the first conflict. Error results do not stop the pass.
// Edits resolved concurrently by someone else are skipped.
func (a *Arbiter) AcceptAll(ctx context.Context, sessionID string) []domain.ApplyResult {
	a.mu.Lock()
	ids := a.queue.ids(sessionID)
	a.mu.Unlock()

	results := make([]domain.ApplyResult, 0, len(ids))
	for _, id := range ids {
		res, err := a.AcceptEdit(ctx, id)
		if err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Str("edit_id", id).Msg("arbiter.Arbiter.AcceptAll: skipping edit")
			continue
		}
		results = append(results, res)
		if res.IsConflict() {
			break
		}
	}
	return results
}

// RejectAll rejects every queued edit of the session in order and returns
// how many were rejected.
func (a *Arbiter) RejectAll(ctx context.Context, sessionID string) int {
	a.mu.Lock()
	ids := a.queue.ids(sessionID)
	a.mu.Unlock()

	n := 0
	for _, id := range ids {
		if err := a.RejectEdit(ctx, id); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Str("edit_id", id).Msg("arbiter.Arbiter.RejectAll: skipping edit")
			continue
		}
		n++
	}
	return n
}

// SetYoloMode toggles auto-accept. Turning it on schedules every currently
// queued edit for auto-accept before returning; turning it off only affects
// edits queued afterwards.
func (a *Arbiter) SetYoloMode(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	was := a.yolo
	a.yolo = enabled
	if !enabled || was {
		return
	}

	for _, sid := range a.queue.sessions() {
		a.enqueueAutoLocked(sid, a.queue.ids(sid)...)
	}
	log.Info().Int("pending", a.queue.count()).Msg("arbiter.Arbiter.SetYoloMode: enabled")
}

func (a *Arbiter) YoloMode() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.yolo
}

// Wait blocks until every scheduled auto-accept has finished.
func (a *Arbiter) Wait() {
	a.wg.Wait()
}

// GetEditQueue returns the session's pending edits in FIFO order.
func (a *Arbiter) GetEditQueue(sessionID string) []domain.PendingEdit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.snapshot(sessionID)
}

// GetEdit returns a single pending edit.
func (a *Arbiter) GetEdit(editID string) (domain.PendingEdit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	item, ok := a.queue.get(editID)
	if !ok {
		return domain.PendingEdit{}, fmt.Errorf("arbiter.Arbiter.GetEdit(%s): %w", editID, domain.ErrNotFound)
	}
	e := item.edit
	e.State = item.state
	return e, nil
}

// GetPendingCount returns the number of queued edits across all sessions.
func (a *Arbiter) GetPendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.count()
}

// ClearSession drops the session's queue without touching the audit log.
func (a *Arbiter) ClearSession(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.queue.clear(sessionID)
	if ln, ok := a.lanes[sessionID]; ok && !ln.running {
		delete(a.lanes, sessionID)
	}
	return n
}

// GetAuditLog returns every audit entry, oldest first.
func (a *Arbiter) GetAuditLog() []domain.AuditEntry {
	return a.audit.list()
}

// ClearAuditLog empties the audit log.
func (a *Arbiter) ClearAuditLog(ctx context.Context) error {
	if err := a.audit.clear(ctx); err != nil {
		return fmt.Errorf("arbiter.Arbiter.ClearAuditLog: %w", err)
	}
	return nil
}

// claim marks an edit in flight and returns its session lane. The edit must
// be able to reach state to.
func (a *Arbiter) claim(editID string, to domain.EditState) (*queued, *lane, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	item, ok := a.queue.get(editID)
	if !ok {
		return nil, nil, fmt.Errorf("edit %s: %w", editID, domain.ErrNotFound)
	}
	if item.inflight {
		return nil, nil, fmt.Errorf("edit %s: %w", editID, ErrEditBusy)
	}
	if !item.state.ValidTransition(to) {
		return nil, nil, fmt.Errorf("edit %s is %s: %w", editID, item.state, domain.ErrConflict)
	}
	item.inflight = true
	return item, a.laneLocked(item.edit.SessionID), nil
}

// apply runs one claimed edit through the boundary under the session's lane.
func (a *Arbiter) apply(ctx context.Context, item *queued, ln *lane, action domain.AuditAction) domain.ApplyResult {
	ln.apply.Lock()
	defer ln.apply.Unlock()

	a.mu.Lock()
	edit := item.edit
	a.mu.Unlock()

	res, err := a.files.ApplyEdit(ctx, edit.RequestFor())
	if err != nil {
		res = domain.ApplyError(err.Error())
	}
	res.EditID = edit.ID

	logger := log.With().Str("session_id", edit.SessionID).Str("edit_id", edit.ID).Str("file_path", edit.FilePath).Logger()

	a.mu.Lock()
	item.inflight = false
	switch {
	case res.IsSuccess():
		// The claim checked the transition and held the edit since.
		if err := a.queue.settle(item, acceptedState(action)); err != nil {
			logger.Error().Err(err).Msg("arbiter.Arbiter.apply: unexpected state")
			a.queue.remove(edit.ID)
		}
	case res.IsConflict():
		if item.state != domain.EditStateConflicted {
			_ = a.queue.settle(item, domain.EditStateConflicted)
		}
		item.conflict = &res
	}
	a.mu.Unlock()

	switch {
	case res.IsSuccess():
		a.audit.record(ctx, edit, action, a.now())
		logger.Info().Str("action", string(action)).Msg("arbiter.Arbiter.apply: applied")
	case res.IsConflict():
		logger.Info().Msg("arbiter.Arbiter.apply: conflict")
	default:
		logger.Warn().Str("message", res.Message).Msg("arbiter.Arbiter.apply: failed")
	}

	return res
}

func (a *Arbiter) laneLocked(sessionID string) *lane {
	ln, ok := a.lanes[sessionID]
	if !ok {
		ln = &lane{}
		a.lanes[sessionID] = ln
	}
	return ln
}

// enqueueAutoLocked schedules ids for auto-accept on the session's lane,
// starting its drain goroutine if needed. a.mu must be held.
func (a *Arbiter) enqueueAutoLocked(sessionID string, ids ...string) {
	if len(ids) == 0 {
		return
	}

	ln := a.laneLocked(sessionID)
	ln.pending = append(ln.pending, ids...)
	if ln.running {
		return
	}
	ln.running = true
	a.wg.Go(func() { a.drain(sessionID, ln) })
}

func (a *Arbiter) drain(sessionID string, ln *lane) {
	for {
		a.mu.Lock()
		if len(ln.pending) == 0 {
			ln.running = false
			a.mu.Unlock()
			return
		}
		id := ln.pending[0]
		ln.pending = ln.pending[1:]
		a.mu.Unlock()

		a.autoAccept(sessionID, id)
	}
}

// autoAccept has the apply contract of AcceptEdit but audits auto-accepted.
// Failures only reach the log and the operator notifier.
func (a *Arbiter) autoAccept(sessionID, editID string) {
	ctx := context.Background()

	// Conflicted edits wait for the user.
	item, ln, err := a.claim(editID, domain.EditStateAutoAccepted)
	if err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Str("edit_id", editID).Msg("arbiter.Arbiter.autoAccept: skipped")
		return
	}

	res := a.apply(ctx, item, ln, domain.AuditActionAutoAccepted)
	if res.IsSuccess() {
		return
	}

	a.mu.Lock()
	edit := item.edit
	a.mu.Unlock()

	log.Error().Str("session_id", sessionID).Str("edit_id", editID).Str("file_path", edit.FilePath).Str("outcome", string(res.Outcome)).Str("message", res.Message).Msg("arbiter.Arbiter.autoAccept: auto-accept failed")

	if a.notifier != nil {
		if err := a.notifier.NotifyAutoAcceptFailure(ctx, edit, res); err != nil {
			log.Error().Err(err).Str("edit_id", editID).Msg("arbiter.Arbiter.autoAccept: operator notification failed")
		}
	}
}

func acceptedState(action domain.AuditAction) domain.EditState {
	if action == domain.AuditActionAutoAccepted {
		return domain.EditStateAutoAccepted
	}
	return domain.EditStateAccepted
}

func validateEdit(e domain.PendingEdit) error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return fmt.Errorf("edit id required: %w", domain.ErrInvalidInput)
	case strings.TrimSpace(e.SessionID) == "":
		return fmt.Errorf("session id required: %w", domain.ErrInvalidInput)
	case strings.TrimSpace(e.FilePath) == "":
		return fmt.Errorf("file path required: %w", domain.ErrInvalidInput)
	case !e.ToolName.IsFileEdit():
		return fmt.Errorf("tool %q does not edit files: %w", e.ToolName, domain.ErrInvalidInput)
	}
	return nil
}

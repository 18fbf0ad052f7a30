package extract

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tandem/internal/arbiter"
	"github.com/gosuda/tandem/internal/bus"
	"github.com/gosuda/tandem/internal/domain"
	"github.com/gosuda/tandem/internal/stream"
)

// ToolUseSource delivers a session's tool-use events.
type ToolUseSource interface {
	OnToolUse(sessionID string) *bus.Subscription[stream.Event]
}

// EditQueue receives extracted edits.
type EditQueue interface {
	QueueEdit(ctx context.Context, edit domain.PendingEdit) error
}

// FileReader returns a file's current content, "" when it does not exist.
type FileReader interface {
	ReadFile(ctx context.Context, path string) (string, error)
}

// Watcher queues a pending edit for every file-editing tool use a session
// emits. One goroutine runs per watched session and exits when the bus
// closes the session's subscriptions.
type Watcher struct {
	source ToolUseSource
	queue  EditQueue
	files  FileReader
	now    func() time.Time

	mu      sync.Mutex
	running map[string]*extractor
	wg      sync.WaitGroup
}

type extractor struct {
	sub  *bus.Subscription[stream.Event]
	done chan struct{}
}

func NewWatcher(source ToolUseSource, queue EditQueue, files FileReader) *Watcher {
	return &Watcher{
		source:  source,
		queue:   queue,
		files:   files,
		now:     time.Now,
		running: make(map[string]*extractor),
	}
}

// Watch starts extracting edits for a session. Relative tool paths are
// resolved against workingDir. Watching a session that already has a live
// extractor is a no-op.
func (w *Watcher) Watch(ctx context.Context, sessionID, workingDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ex, ok := w.running[sessionID]; ok {
		select {
		case <-ex.done:
		default:
			return
		}
	}

	ex := &extractor{sub: w.source.OnToolUse(sessionID), done: make(chan struct{})}
	w.running[sessionID] = ex

	ctx = context.WithoutCancel(ctx)
	w.wg.Go(func() {
		defer close(ex.done)
		for ev := range ex.sub.C() {
			for _, use := range stream.ToolUses(ev.Message) {
				w.handle(ctx, sessionID, workingDir, use)
			}
		}
	})

	log.Debug().Str("session_id", sessionID).Str("working_dir", workingDir).Msg("extract.Watcher.Watch: watching")
}

// Unwatch stops extracting edits for a session and returns once every event
// already delivered to it has been handled, so no edit of the session is
// queued afterwards.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	ex, ok := w.running[sessionID]
	delete(w.running, sessionID)
	w.mu.Unlock()

	if ok {
		ex.sub.Close()
		<-ex.done
	}
}

// Close stops every extractor and waits for them to exit.
func (w *Watcher) Close() {
	w.mu.Lock()
	running := w.running
	w.running = make(map[string]*extractor)
	w.mu.Unlock()

	for _, ex := range running {
		ex.sub.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) handle(ctx context.Context, sessionID, workingDir string, use *stream.ToolUse) {
	if !domain.ToolName(use.Name).IsFileEdit() {
		return
	}

	logger := log.With().Str("session_id", sessionID).Str("edit_id", use.ID).Str("tool", use.Name).Logger()

	if use.ID == "" {
		logger.Warn().Msg("extract.Watcher.handle: tool use without id skipped")
		return
	}

	in, err := ParseInput(use.Name, use.Input)
	if err != nil {
		logger.Warn().Err(err).Msg("extract.Watcher.handle: malformed tool input skipped")
		return
	}

	path := in.FilePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir, path)
	}
	path = filepath.Clean(path)

	original, err := w.files.ReadFile(ctx, path)
	if err != nil {
		logger.Error().Err(err).Str("file_path", path).Msg("extract.Watcher.handle: read failed")
		return
	}

	proposed, err := in.Propose(original)
	if err != nil {
		logger.Warn().Err(err).Str("file_path", path).Msg("extract.Watcher.handle: tool input does not apply to current content")
		return
	}

	diff, err := Diff(path, original, proposed)
	if err != nil {
		logger.Error().Err(err).Str("file_path", path).Msg("extract.Watcher.handle: diff failed")
		return
	}

	edit := domain.PendingEdit{
		ID:              use.ID,
		SessionID:       sessionID,
		ToolName:        in.Tool,
		FilePath:        path,
		OriginalContent: original,
		ProposedContent: proposed,
		Diff:            diff,
		Timestamp:       w.now(),
	}

	if err := w.queue.QueueEdit(ctx, edit); err != nil {
		if errors.Is(err, arbiter.ErrDuplicateEdit) || errors.Is(err, arbiter.ErrEditRetired) {
			logger.Debug().Err(err).Msg("extract.Watcher.handle: edit already seen")
			return
		}
		logger.Error().Err(err).Str("file_path", path).Msg("extract.Watcher.handle: queue failed")
		return
	}

	logger.Info().Str("file_path", path).Msg("extract.Watcher.handle: edit queued")
}

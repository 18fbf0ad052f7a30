package arbiter

import (
	"fmt"
	"slices"

	"github.com/gosuda/tandem/internal/domain"
)

type queued struct {
	edit     domain.PendingEdit
	state    domain.EditState
	inflight bool
	// conflict holds the on-disk content seen by the last conflicting apply.
	conflict *domain.ApplyResult
}

// queue indexes pending edits by id and keeps a FIFO order per session.
// Removed ids are retired and can never be queued again.
// Not safe for concurrent use; the Arbiter guards it.
type queue struct {
	byID    map[string]*queued
	order   map[string][]string // session id -> edit ids, oldest first
	retired map[string]struct{}
}

func newQueue() *queue {
	return &queue{
		byID:    make(map[string]*queued),
		order:   make(map[string][]string),
		retired: make(map[string]struct{}),
	}
}

func (q *queue) add(e domain.PendingEdit) error {
	if _, ok := q.byID[e.ID]; ok {
		return ErrDuplicateEdit
	}
	if _, ok := q.retired[e.ID]; ok {
		return ErrEditRetired
	}

	q.byID[e.ID] = &queued{edit: e, state: domain.EditStateQueued}
	q.order[e.SessionID] = append(q.order[e.SessionID], e.ID)
	return nil
}

func (q *queue) get(id string) (*queued, bool) {
	item, ok := q.byID[id]
	return item, ok
}

// remove drops the edit and retires its id.
func (q *queue) remove(id string) bool {
	item, ok := q.byID[id]
	if !ok {
		return false
	}

	delete(q.byID, id)
	q.retired[id] = struct{}{}

	sid := item.edit.SessionID
	ids := slices.DeleteFunc(q.order[sid], func(v string) bool { return v == id })
	if len(ids) == 0 {
		delete(q.order, sid)
	} else {
		q.order[sid] = ids
	}
	return true
}

// settle moves item to state to. Terminal states retire the edit.
func (q *queue) settle(item *queued, to domain.EditState) error {
	if !item.state.ValidTransition(to) {
		return fmt.Errorf("edit %s: %s to %s: %w", item.edit.ID, item.state, to, domain.ErrConflict)
	}
	item.state = to
	if to.Terminal() {
		q.remove(item.edit.ID)
	}
	return nil
}

// ids returns the session's edit ids in FIFO order.
func (q *queue) ids(sessionID string) []string {
	return slices.Clone(q.order[sessionID])
}

func (q *queue) sessions() []string {
	out := make([]string, 0, len(q.order))
	for sid := range q.order {
		out = append(out, sid)
	}
	slices.Sort(out)
	return out
}

func (q *queue) snapshot(sessionID string) []domain.PendingEdit {
	ids := q.order[sessionID]
	out := make([]domain.PendingEdit, 0, len(ids))
	for _, id := range ids {
		item := q.byID[id]
		e := item.edit
		e.State = item.state
		out = append(out, e)
	}
	return out
}

func (q *queue) clear(sessionID string) int {
	ids := q.order[sessionID]
	for _, id := range ids {
		delete(q.byID, id)
		q.retired[id] = struct{}{}
	}
	delete(q.order, sessionID)
	return len(ids)
}

func (q *queue) count() int {
	return len(q.byID)
}

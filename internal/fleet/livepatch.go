package fleet

import "sync"

// LivePatchQueue holds hot-path patches per agent until the next frame flush.
// Flushes and commits are dispatched one at a time, so a flushed patch can never land on
// top of a commit that followed it.
type LivePatchQueue struct {
	store   *Store
	batcher *Batcher

	// dispatchMu is held from collecting patches until the store has applied them.
	dispatchMu sync.Mutex
	// collected runs in Flush between collecting and dispatching; tests use it.
	collected func()

	mu      sync.Mutex
	pending map[string]Patch
	order   []string
}

func NewLivePatchQueue(store *Store, sched Scheduler) *LivePatchQueue {
	q := &LivePatchQueue{store: store, pending: make(map[string]Patch)}
	q.batcher = NewBatcher(sched, q.Flush)
	return q
}

// Queue merges patch into the agent's pending patch and schedules a flush.
func (q *LivePatchQueue) Queue(agentID string, patch Patch) {
	if agentID == "" || patch.IsZero() {
		return
	}
	q.mu.Lock()
	cur, ok := q.pending[agentID]
	if !ok {
		q.order = append(q.order, agentID)
	}
	q.pending[agentID] = cur.Merge(patch)
	q.mu.Unlock()
	q.batcher.Schedule()
}

// Apply runs reduce under the dispatch lock, so it sees every patch flushed before it, then
// queues the reduction's live patch and dispatches its commit.
func (q *LivePatchQueue) Apply(reduce func() (Reduction, bool)) (Reduction, bool) {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()
	red, ok := reduce()
	if !ok || red.Empty() {
		return Reduction{}, false
	}
	if !red.Live.IsZero() {
		q.Queue(red.AgentID, red.Live)
	}
	if !red.Commit.IsZero() {
		pending, _ := q.Take(red.AgentID)
		q.store.Dispatch(Update{AgentID: red.AgentID, Patch: pending.Merge(red.Commit)})
	}
	return red, true
}

// Commit dispatches patch right away, on top of the agent's pending live patch.
func (q *LivePatchQueue) Commit(agentID string, patch Patch) {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()
	pending, _ := q.Take(agentID)
	q.store.Dispatch(Update{AgentID: agentID, Patch: pending.Merge(patch)})
}

// Replace dispatches patch right away and discards the agent's pending live patch.
func (q *LivePatchQueue) Replace(agentID string, patch Patch) {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()
	q.Take(agentID)
	q.store.Dispatch(Update{AgentID: agentID, Patch: patch})
}

// Take removes and returns the agent's pending patch, if any.
func (q *LivePatchQueue) Take(agentID string) (Patch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[agentID]
	if !ok {
		return Patch{}, false
	}
	delete(q.pending, agentID)
	for i, id := range q.order {
		if id == agentID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return p, true
}

// Peek returns the agent's pending patch without removing it.
func (q *LivePatchQueue) Peek(agentID string) (Patch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[agentID]
	return p, ok
}

// Flush dispatches every pending patch as one store update.
func (q *LivePatchQueue) Flush() {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()
	q.mu.Lock()
	if len(q.order) == 0 {
		q.mu.Unlock()
		return
	}
	updates := make([]Update, 0, len(q.order))
	for _, id := range q.order {
		updates = append(updates, Update{AgentID: id, Patch: q.pending[id]})
	}
	q.pending = make(map[string]Patch)
	q.order = nil
	q.mu.Unlock()
	if q.collected != nil {
		q.collected()
	}
	q.store.Dispatch(updates...)
}

// Close cancels the outstanding frame and discards pending patches.
func (q *LivePatchQueue) Close() {
	q.batcher.Cancel()
	q.mu.Lock()
	q.pending = make(map[string]Patch)
	q.order = nil
	q.mu.Unlock()
}

package fleet

import (
	"sort"
	"strings"
	"sync"
)

// Update addresses a patch to one agent.
type Update struct {
	AgentID string
	Patch   Patch
}

// AgentSeed is the identity of a configured agent as listed by the gateway.
type AgentSeed struct {
	AgentID    string
	Name       string
	SessionKey string
	AvatarSeed string
}

// Store owns every AgentState. All writes go through Dispatch, Update, Hydrate or Remove.
type Store struct {
	mu     sync.RWMutex
	agents map[string]*AgentState
	order  []string

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(changed []string)
}

func NewStore() *Store {
	return &Store{
		agents: make(map[string]*AgentState),
		subs:   make(map[int]func([]string)),
	}
}

// Hydrate replaces the agent set, keeping runtime state of agents that survive.
func (s *Store) Hydrate(seeds []AgentSeed) {
	changed := make([]string, 0, len(seeds))

	s.mu.Lock()
	next := make(map[string]*AgentState, len(seeds))
	order := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		id := strings.TrimSpace(seed.AgentID)
		if id == "" {
			continue
		}
		if _, dup := next[id]; dup {
			continue
		}
		st, ok := s.agents[id]
		if !ok {
			st = &AgentState{AgentID: id, Status: StatusIdle}
		}
		if seed.SessionKey != "" && st.SessionKey != "" && seed.SessionKey != st.SessionKey {
			// a different session means a different transcript
			*st = AgentState{AgentID: id, Status: StatusIdle, Draft: st.Draft}
		}
		st.Name = seed.Name
		if st.Name == "" {
			st.Name = id
		}
		st.SessionKey = seed.SessionKey
		st.AvatarSeed = seed.AvatarSeed
		if st.AvatarSeed == "" {
			st.AvatarSeed = id
		}
		next[id] = st
		order = append(order, id)
		changed = append(changed, id)
	}
	for id := range s.agents {
		if _, ok := next[id]; !ok {
			changed = append(changed, id)
		}
	}
	s.agents = next
	s.order = order
	s.mu.Unlock()

	s.notify(changed)
}

func (s *Store) Dispatch(updates ...Update) {
	changed := make([]string, 0, len(updates))
	s.mu.Lock()
	for _, u := range updates {
		st, ok := s.agents[u.AgentID]
		if !ok || u.Patch.IsZero() {
			continue
		}
		*st = u.Patch.Apply(*st)
		changed = append(changed, u.AgentID)
	}
	s.mu.Unlock()
	s.notify(changed)
}

// Update computes a patch from the current state under the store lock and applies it.
// fn returning false leaves the agent untouched.
func (s *Store) Update(agentID string, fn func(cur AgentState) (Patch, bool)) bool {
	s.mu.Lock()
	st, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	patch, apply := fn(st.Clone())
	if !apply || patch.IsZero() {
		s.mu.Unlock()
		return false
	}
	*st = patch.Apply(*st)
	s.mu.Unlock()
	s.notify([]string{agentID})
	return true
}

func (s *Store) Remove(agentID string) {
	s.mu.Lock()
	_, ok := s.agents[agentID]
	if ok {
		delete(s.agents, agentID)
		for i, id := range s.order {
			if id == agentID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if ok {
		s.notify([]string{agentID})
	}
}

func (s *Store) Get(agentID string) (AgentState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[agentID]
	if !ok {
		return AgentState{}, false
	}
	return st.Clone(), true
}

// Snapshot returns copies of all agents in listing order.
func (s *Store) Snapshot() []AgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.agents[id].Clone())
	}
	return out
}

func (s *Store) FindBySessionKey(sessionKey string) (AgentState, bool) {
	key := strings.TrimSpace(sessionKey)
	if key == "" {
		return AgentState{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if st := s.agents[id]; st.SessionKey == key {
			return st.Clone(), true
		}
	}
	return AgentState{}, false
}

func (s *Store) FindByRunID(runID string) (AgentState, bool) {
	run := strings.TrimSpace(runID)
	if run == "" {
		return AgentState{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if st := s.agents[id]; st.RunID == run {
			return st.Clone(), true
		}
	}
	return AgentState{}, false
}

func (s *Store) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.agents {
		if st.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Subscribe registers fn to be called after every write with the ids that changed.
// fn runs on the writer's goroutine and must not block.
func (s *Store) Subscribe(fn func(changed []string)) func() {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(changed []string) {
	if len(changed) == 0 {
		return
	}
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func([]string), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(changed)
	}
}

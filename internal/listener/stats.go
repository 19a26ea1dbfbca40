package listener

import (
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/karakuri/internal/store"
)

// Counters tallies matching decisions for one listener since process start.
type Counters struct {
	ListenerID      string    `json:"listener_id"`
	Evaluated       int64     `json:"evaluated"`
	Matched         int64     `json:"matched"`
	Admitted        int64     `json:"admitted"`
	RateLimited     int64     `json:"rate_limited"`
	Disabled        int64     `json:"disabled"`
	Duplicate       int64     `json:"duplicate"`
	ConditionErrors int64     `json:"condition_errors"`
	LastError       string    `json:"last_error,omitempty"`
	LastSeen        time.Time `json:"last_seen"`
}

type Stats struct {
	mu   sync.Mutex
	byID map[string]*Counters
}

func NewStats() *Stats {
	return &Stats{byID: make(map[string]*Counters)}
}

func (s *Stats) entry(id string, at time.Time) *Counters {
	c, ok := s.byID[id]
	if !ok {
		c = &Counters{ListenerID: id}
		s.byID[id] = c
	}
	c.LastSeen = at
	return c
}

func (s *Stats) evaluated(id string, matched bool, err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.entry(id, at)
	c.Evaluated++
	if matched {
		c.Matched++
	}
	if err != nil {
		c.ConditionErrors++
		c.LastError = err.Error()
	}
}

func (s *Stats) admission(id string, outcome store.AdmitOutcome, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.entry(id, at)
	switch outcome {
	case store.Admitted:
		c.Admitted++
	case store.RateLimited:
		c.RateLimited++
	case store.Disabled, store.Missing:
		c.Disabled++
	case store.Duplicate:
		c.Duplicate++
	}
}

// Get returns a copy of one listener's counters.
func (s *Stats) Get(id string) (Counters, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return Counters{ListenerID: id}, false
	}
	return *c, true
}

// Snapshot returns copies of every listener's counters ordered by id.
func (s *Stats) Snapshot() []Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Counters, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListenerID < out[j].ListenerID })
	return out
}

func (s *Stats) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

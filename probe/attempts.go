package probe

import (
	"sync"
	"time"

	"uwbgateway/registry"
)

// DefaultAttemptHistory is how many attempts are kept per peer.
const DefaultAttemptHistory = 10

// Attempt records one probe of a peer across its address/port pairs.
type Attempt struct {
	At             time.Time `json:"timestamp"`
	AddressesTried []string  `json:"addressesTried"`
	PortsTried     []int     `json:"portsTried"`
	Errors         []string  `json:"errors"`
	Success        bool      `json:"success"`
	WorkingURL     string    `json:"workingUrl,omitempty"`
}

func (a Attempt) clone() Attempt {
	out := a
	out.AddressesTried = append([]string(nil), a.AddressesTried...)
	out.PortsTried = append([]int(nil), a.PortsTried...)
	out.Errors = append([]string(nil), a.Errors...)
	return out
}

// AttemptSummary is the diagnostics view of one peer's recent attempts.
type AttemptSummary struct {
	Total       int      `json:"totalAttempts"`
	Successful  int      `json:"successful"`
	Failed      int      `json:"failed"`
	LastAttempt *Attempt `json:"lastAttempt"`
}

// AttemptLog keeps a bounded history of probe attempts per peer.
type AttemptLog struct {
	limit int

	mu       sync.Mutex
	attempts map[registry.PeerID][]Attempt
}

// NewAttemptLog creates a log keeping limit attempts per peer.
func NewAttemptLog(limit int) *AttemptLog {
	if limit <= 0 {
		limit = DefaultAttemptHistory
	}
	return &AttemptLog{
		limit:    limit,
		attempts: make(map[registry.PeerID][]Attempt),
	}
}

// Record appends an attempt, dropping the oldest beyond the limit.
func (l *AttemptLog) Record(id registry.PeerID, attempt Attempt) {
	l.mu.Lock()
	defer l.mu.Unlock()

	history := append(l.attempts[id], attempt.clone())
	if len(history) > l.limit {
		history = append([]Attempt(nil), history[len(history)-l.limit:]...)
	}
	l.attempts[id] = history
}

// Get returns the recorded attempts for id, oldest first.
func (l *AttemptLog) Get(id registry.PeerID) []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.attempts[id]
	out := make([]Attempt, 0, len(history))
	for _, attempt := range history {
		out = append(out, attempt.clone())
	}
	return out
}

// Summary aggregates the history of every peer.
func (l *AttemptLog) Summary() map[registry.PeerID]AttemptSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[registry.PeerID]AttemptSummary, len(l.attempts))
	for id, history := range l.attempts {
		summary := AttemptSummary{Total: len(history)}
		for _, attempt := range history {
			if attempt.Success {
				summary.Successful++
			} else {
				summary.Failed++
			}
		}
		if len(history) > 0 {
			last := history[len(history)-1].clone()
			summary.LastAttempt = &last
		}
		out[id] = summary
	}
	return out
}

package race

import "sync"

// DefaultJournalSize is the number of entries kept per stream.
const DefaultJournalSize = 500

// Journal keeps the most recent result and system events in memory, each
// stream in arrival order.
type Journal struct {
	mu      sync.Mutex
	size    int
	results []Result
	system  []SystemEvent
}

// NewJournal returns a journal holding up to size entries per stream.
func NewJournal(size int) *Journal {
	if size <= 0 {
		size = DefaultJournalSize
	}
	return &Journal{size: size}
}

func (j *Journal) Result(r Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results = append(j.results, r)
	if over := len(j.results) - j.size; over > 0 {
		j.results = append(j.results[:0], j.results[over:]...)
	}
}

func (j *Journal) System(e SystemEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.system = append(j.system, e)
	if over := len(j.system) - j.size; over > 0 {
		j.system = append(j.system[:0], j.system[over:]...)
	}
}

// Results returns up to the last n results, oldest first. n <= 0 returns
// all of them.
func (j *Journal) Results(n int) []Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return tail(j.results, n)
}

// SystemEvents returns up to the last n system events, oldest first.
func (j *Journal) SystemEvents(n int) []SystemEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return tail(j.system, n)
}

// Clear drops both streams.
func (j *Journal) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results = nil
	j.system = nil
}

func tail[T any](s []T, n int) []T {
	if n <= 0 || n > len(s) {
		n = len(s)
	}
	out := make([]T, n)
	copy(out, s[len(s)-n:])
	return out
}

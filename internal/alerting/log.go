package alerting

import (
	"cmp"
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
)

// DefaultRetention is how many alerts the log keeps before dropping the oldest.
const DefaultRetention = 10000

// Log is the append-only, sequence-numbered stream of emitted alerts.
// Sequences start at 1 and never repeat. Only the newest retention alerts
// stay readable.
type Log struct {
	mu        sync.Mutex
	retention int
	alerts    []domain.Alert
	last      uint64
	appended  chan struct{} // closed and replaced on every append
}

// NewLog creates a log keeping at most retention alerts
// (DefaultRetention when retention <= 0).
func NewLog(retention int) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{retention: retention, appended: make(chan struct{})}
}

// Append assigns sequence numbers to alerts, stores them and returns the
// stored copies.
func (l *Log) Append(alerts ...domain.Alert) []domain.Alert {
	if len(alerts) == 0 {
		return nil
	}
	out := make([]domain.Alert, len(alerts))

	l.mu.Lock()
	for i, a := range alerts {
		l.last++
		a.Sequence = l.last
		out[i] = a
	}
	l.alerts = append(l.alerts, out...)
	if over := len(l.alerts) - l.retention; over > 0 {
		l.alerts = append(l.alerts[:0:0], l.alerts[over:]...)
	}
	close(l.appended)
	l.appended = make(chan struct{})
	l.mu.Unlock()

	return out
}

// Restore loads previously emitted alerts, oldest first, so sequences resume
// after the highest one seen. It must be called before the first Append.
func (l *Log) Restore(alerts []domain.Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range alerts {
		if a.Sequence <= l.last {
			continue
		}
		l.alerts = append(l.alerts, a)
		l.last = a.Sequence
	}
	if over := len(l.alerts) - l.retention; over > 0 {
		l.alerts = append(l.alerts[:0:0], l.alerts[over:]...)
	}
}

// Last returns the highest sequence assigned so far.
func (l *Log) Last() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Since returns up to limit alerts with a sequence greater than after, oldest
// first. A non-positive limit returns everything available.
func (l *Log) Since(after uint64, limit int) []domain.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	out, _ := l.sinceLocked(after, limit)
	return out
}

func (l *Log) sinceLocked(after uint64, limit int) ([]domain.Alert, <-chan struct{}) {
	// Sequences increase monotonically but may have gaps after Restore.
	start, _ := slices.BinarySearchFunc(l.alerts, after+1, func(a domain.Alert, seq uint64) int {
		return cmp.Compare(a.Sequence, seq)
	})
	if start >= len(l.alerts) {
		return nil, l.appended
	}
	end := len(l.alerts)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]domain.Alert, end-start)
	copy(out, l.alerts[start:end])
	return out, l.appended
}

// All yields every alert after the given sequence, then blocks for new ones
// until ctx is done. Breaking out of the loop stops the iteration; calling
// All again with the last seen sequence resumes where it left off.
func (l *Log) All(ctx context.Context, after uint64) iter.Seq[domain.Alert] {
	return func(yield func(domain.Alert) bool) {
		for {
			l.mu.Lock()
			batch, wait := l.sinceLocked(after, 256)
			l.mu.Unlock()

			for _, a := range batch {
				if !yield(a) {
					return
				}
				after = a.Sequence
			}
			if len(batch) > 0 {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-wait:
			}
		}
	}
}

package platform

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mintwatch/mintwatch/internal/token"
)

const (
	maxRetryAttempts = 3
	maxRetryAge      = 5 * time.Minute
)

// retryDelays are the waits before each authoritative lookup attempt.
var retryDelays = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

type retryItem struct {
	mint     string
	attempts int
	enqueued time.Time
	nextTry  time.Time
	resolved func(string, token.Detection)
}

// retryQueue retries authoritative lookups for mints the fast path could
// not classify. Single worker, bounded attempts and age.
type retryQueue struct {
	detector *Detector

	mu      sync.Mutex
	pending map[string]*retryItem
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	started bool
}

func newRetryQueue(d *Detector) *retryQueue {
	return &retryQueue{
		detector: d,
		pending:  make(map[string]*retryItem),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (q *retryQueue) enqueue(mint string, resolved func(string, token.Detection)) {
	q.mu.Lock()
	if _, exists := q.pending[mint]; exists {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	q.pending[mint] = &retryItem{
		mint:     mint,
		enqueued: now,
		nextTry:  now.Add(retryDelays[0]),
		resolved: resolved,
	}
	if !q.started {
		q.started = true
		go q.run()
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *retryQueue) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		case <-ticker.C:
		}
		q.sweep()
	}
}

func (q *retryQueue) sweep() {
	now := time.Now()

	q.mu.Lock()
	var due []*retryItem
	for mint, item := range q.pending {
		if item.attempts >= maxRetryAttempts || now.Sub(item.enqueued) > maxRetryAge {
			delete(q.pending, mint)
			log.Debug().Str("mint", mint).Int("attempts", item.attempts).
				Msg("Giving up on platform resolution")
			continue
		}
		if now.After(item.nextTry) {
			due = append(due, item)
		}
	}
	q.mu.Unlock()

	for _, item := range due {
		q.attempt(item)
	}
}

func (q *retryQueue) attempt(item *retryItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	det, ok := q.detector.detectByProgram(ctx, item.mint)
	cancel()

	q.mu.Lock()
	if ok {
		delete(q.pending, item.mint)
	} else {
		item.attempts++
		if item.attempts < len(retryDelays) {
			item.nextTry = time.Now().Add(retryDelays[item.attempts])
		} else {
			item.nextTry = time.Now().Add(retryDelays[len(retryDelays)-1])
		}
	}
	q.mu.Unlock()

	if ok {
		q.detector.cache.Set(item.mint, det, q.detector.cfg.CacheTTL)
		q.detector.countLookup(det.Method)
		log.Debug().Str("mint", item.mint).Str("platform", string(det.Platform)).
			Msg("Platform resolved on retry")
		if item.resolved != nil {
			item.resolved(item.mint, det)
		}
	}
}

func (q *retryQueue) stop() {
	q.once.Do(func() { close(q.done) })
}

// size returns the number of pending retries. Test hook.
func (q *retryQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

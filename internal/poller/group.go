package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/fpang/grading-queue/internal/grading"
)

// group polls one status endpoint for a dynamic set of submission ids. Each
// id gets its own goroutine which stops after a terminal status, after the
// timeout, or when the id is dropped by sync.
type group[T any] struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	limiter  *rate.Limiter

	fetch    func(ctx context.Context, submissionID int64) (T, error)
	status   func(T) grading.JobStatus
	observe  func(submissionID int64, result T)
	expire   func(submissionID int64)
	onResult func(submissionID int64, status grading.JobStatus, err error)

	parent context.Context

	mu      sync.Mutex
	seq     uint64
	active  map[int64]watch
	settled map[int64]bool
	wg      sync.WaitGroup
}

type watch struct {
	gen    uint64
	cancel context.CancelFunc
}

// sync makes the polled set equal ids. New ids start polling immediately;
// ids that are no longer present are cancelled. An id that already reached a
// terminal status is not polled again until it leaves the set.
func (g *group[T]) sync(ids []int64) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for id, w := range g.active {
		if !want[id] {
			w.cancel()
			delete(g.active, id)
		}
	}
	for id := range g.settled {
		if !want[id] {
			delete(g.settled, id)
		}
	}
	if g.parent.Err() != nil {
		return
	}
	for id := range want {
		if _, ok := g.active[id]; ok || g.settled[id] {
			continue
		}
		g.seq++
		ctx, cancel := context.WithCancel(g.parent)
		g.active[id] = watch{gen: g.seq, cancel: cancel}
		g.wg.Add(1)
		go g.run(ctx, id, g.seq)
	}
}

// ids returns the submission ids currently being polled.
func (g *group[T]) ids() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int64, 0, len(g.active))
	for id := range g.active {
		out = append(out, id)
	}
	return out
}

func (g *group[T]) run(ctx context.Context, id int64, gen uint64) {
	defer g.wg.Done()
	settled := g.poll(ctx, id)

	g.mu.Lock()
	if w, ok := g.active[id]; ok && w.gen == gen {
		w.cancel()
		delete(g.active, id)
		if settled {
			g.settled[id] = true
		}
	}
	g.mu.Unlock()
}

// poll loops until a terminal status or timeout (returns true) or
// cancellation (returns false).
func (g *group[T]) poll(ctx context.Context, id int64) bool {
	logger := log.With().Str("group", g.name).Int64("submissionId", id).Logger()
	var deadline time.Time
	if g.timeout > 0 {
		deadline = time.Now().Add(g.timeout)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			logger.Warn().Dur("timeout", g.timeout).Msg("Grading did not finish in time, giving up")
			g.expire(id)
			return true
		}

		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return false
			}
		}

		result, err := g.fetch(ctx, id)
		if ctx.Err() != nil {
			// Dropped while the request was in flight; the response is stale.
			return false
		}
		if err != nil {
			logger.Warn().Err(err).Msg("Status poll error, retrying")
			g.report(id, "", err)
		} else {
			status := g.status(result)
			g.report(id, status, nil)
			g.observe(id, result)
			if status.Terminal() {
				logger.Debug().Str("status", string(status)).Msg("Grading finished")
				return true
			}
			logger.Debug().Str("status", string(status)).Dur("nextPoll", g.interval).Msg("Grading still running")
		}

		timer.Reset(g.interval)
	}
}

func (g *group[T]) report(id int64, status grading.JobStatus, err error) {
	if g.onResult != nil {
		g.onResult(id, status, err)
	}
}

// stop cancels every poll goroutine and waits for them to exit.
func (g *group[T]) stop() {
	g.mu.Lock()
	for id, w := range g.active {
		w.cancel()
		delete(g.active, id)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

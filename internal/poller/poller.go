// Package poller watches asynchronous grading jobs until they finish.
//
// Submissions in the processing queue are split into two groups: handwriting
// (chinese) submissions poll the neatness endpoint, everything else polls the
// submission endpoint. Each submission is polled on its own goroutine at a
// fixed interval while its status is pending or processing. The polled set
// follows the processing queue: the poller subscribes to the store and
// re-derives its id sets after every change.
package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/metrics"
	"github.com/fpang/grading-queue/internal/queue"
)

const (
	// DefaultInterval is the delay between two status checks of one submission.
	DefaultInterval = 2 * time.Second

	// DefaultTimeout bounds how long a single submission is polled.
	DefaultTimeout = 10 * time.Minute

	// DefaultRequestsPerSecond caps the aggregate poll rate of both groups.
	DefaultRequestsPerSecond = 10

	// MessageTimedOut is surfaced when a submission exceeds the poll timeout.
	MessageTimedOut = "grading timed out"
)

// StatusSource fetches job status. *grading.Client satisfies it.
type StatusSource interface {
	Submission(ctx context.Context, submissionID int64) (*grading.SubmissionResult, error)
	Neatness(ctx context.Context, submissionID int64) (*grading.NeatnessStatus, error)
}

// Handler receives terminal observations. The entry passed is the processing
// entry as it was when the observation arrived.
type Handler interface {
	Graded(entry queue.ProcessingEntry, result *grading.SubmissionResult)
	NeatnessGraded(entry queue.ProcessingEntry, status *grading.NeatnessStatus)
	Failed(entry queue.ProcessingEntry, message string)
}

// Config tunes polling. Zero values select the defaults; a negative Timeout
// disables the timeout.
type Config struct {
	Interval          time.Duration
	Timeout           time.Duration
	RequestsPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	} else if c.Timeout < 0 {
		c.Timeout = 0
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	return c
}

// Poller drives both poll groups from the processing queue.
type Poller struct {
	store   *queue.Store
	handler Handler
	metrics *metrics.Emitter

	ctx    context.Context
	cancel context.CancelFunc

	neatness    *group[*grading.NeatnessStatus]
	correctness *group[*grading.SubmissionResult]

	unsubscribe func()
}

// New creates a poller. Polling starts with Start and stops when ctx is
// cancelled or Stop is called.
func New(ctx context.Context, store *queue.Store, src StatusSource, handler Handler, cfg Config, emitter *metrics.Emitter) *Poller {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))

	p := &Poller{
		store:   store,
		handler: handler,
		metrics: emitter,
		ctx:     ctx,
		cancel:  cancel,
	}

	p.neatness = &group[*grading.NeatnessStatus]{
		name:     "neatness",
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		limiter:  limiter,
		fetch:    src.Neatness,
		status:   func(s *grading.NeatnessStatus) grading.JobStatus { return s.Status },
		observe:  p.observeNeatness,
		expire:   p.expire,
		onResult: p.record("neatness"),
		parent:   ctx,
		active:   make(map[int64]watch),
		settled:  make(map[int64]bool),
	}
	p.correctness = &group[*grading.SubmissionResult]{
		name:     "correctness",
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		limiter:  limiter,
		fetch:    src.Submission,
		status:   func(r *grading.SubmissionResult) grading.JobStatus { return r.Status },
		observe:  p.observeSubmission,
		expire:   p.expire,
		onResult: p.record("correctness"),
		parent:   ctx,
		active:   make(map[int64]watch),
		settled:  make(map[int64]bool),
	}
	return p
}

// Start subscribes to the store and begins polling the current queue.
func (p *Poller) Start() {
	p.unsubscribe = p.store.Subscribe(p.Sync)
	p.Sync()
	log.Info().
		Int("neatness", len(p.neatness.ids())).
		Int("correctness", len(p.correctness.ids())).
		Msg("Status poller started")
}

// Stop cancels all polling and waits for in-flight checks to return.
func (p *Poller) Stop() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	p.cancel()
	p.neatness.stop()
	p.correctness.stop()
}

// Sync re-derives both polled sets from the processing queue.
func (p *Poller) Sync() {
	var neat, correct []int64
	for _, e := range p.store.Processing() {
		if e.Status.Terminal() {
			continue
		}
		if e.HomeworkType.UsesNeatness() {
			neat = append(neat, e.SubmissionID)
		} else {
			correct = append(correct, e.SubmissionID)
		}
	}
	p.neatness.sync(neat)
	p.correctness.sync(correct)
}

// Polling returns the submission ids currently polled by each group.
func (p *Poller) Polling() (neatness, correctness []int64) {
	return p.neatness.ids(), p.correctness.ids()
}

func (p *Poller) observeSubmission(submissionID int64, r *grading.SubmissionResult) {
	entry, ok := p.current(submissionID)
	if !ok {
		return
	}
	switch r.Status {
	case grading.StatusGraded:
		p.store.UpdateProcessingStatus(entry.ID, r.Status)
		p.handler.Graded(entry, r)
	case grading.StatusFailed:
		p.store.UpdateProcessingStatus(entry.ID, r.Status)
		p.handler.Failed(entry, r.ErrorMessage)
	default:
		p.store.UpdateProcessingStatus(entry.ID, r.Status)
	}
}

func (p *Poller) observeNeatness(submissionID int64, s *grading.NeatnessStatus) {
	entry, ok := p.current(submissionID)
	if !ok {
		return
	}
	switch s.Status {
	case grading.StatusGraded:
		p.store.UpdateProcessingStatus(entry.ID, s.Status)
		p.handler.NeatnessGraded(entry, s)
	case grading.StatusFailed:
		p.store.UpdateProcessingStatus(entry.ID, s.Status)
		p.handler.Failed(entry, s.ErrorMessage)
	default:
		p.store.UpdateProcessingStatus(entry.ID, s.Status)
	}
}

func (p *Poller) expire(submissionID int64) {
	entry, ok := p.current(submissionID)
	if !ok {
		return
	}
	p.metrics.Record("poll").Dimension("Outcome", "timeout").Count("PollTimeouts", 1).Flush()
	p.handler.Failed(entry, MessageTimedOut)
}

// current looks the submission up again so responses for entries removed in
// the meantime are dropped.
func (p *Poller) current(submissionID int64) (queue.ProcessingEntry, bool) {
	entry, ok := p.store.ProcessingBySubmission(submissionID)
	if !ok {
		log.Debug().Int64("submissionId", submissionID).Msg("Discarding status for submission no longer processing")
	}
	return entry, ok
}

func (p *Poller) record(groupName string) func(int64, grading.JobStatus, error) {
	return func(submissionID int64, status grading.JobStatus, err error) {
		outcome := string(status)
		if err != nil {
			outcome = "error"
		}
		p.metrics.Record("poll").
			Dimension("Group", groupName).
			Dimension("Outcome", outcome).
			Count("Polls", 1).
			Property("submissionId", submissionID).
			Flush()
	}
}

// Package session wires the queue store, upload orchestrator, status poller
// and review controller into one running grading session. The CLI and the
// local JSON API both drive the queue through a Session.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/media"
	"github.com/fpang/grading-queue/internal/metrics"
	"github.com/fpang/grading-queue/internal/notify"
	"github.com/fpang/grading-queue/internal/poller"
	"github.com/fpang/grading-queue/internal/queue"
	"github.com/fpang/grading-queue/internal/review"
	"github.com/fpang/grading-queue/internal/upload"
)

// Service is everything a session needs from the grading service.
// *grading.Client satisfies it.
type Service interface {
	upload.BatchSubmitter
	poller.StatusSource
	review.Service
}

// Options configures a session. Zero values are usable.
type Options struct {
	Poll poller.Config

	// StateFile, when set, is restored on Start and written on Close.
	StateFile string

	// Publisher defaults to upload.LocalPublisher.
	Publisher upload.PreviewPublisher

	// Notifier receives every notification after it is recorded. Defaults to
	// notify.LogNotifier.
	Notifier notify.Notifier

	// NotificationHistory bounds the recorded notifications.
	NotificationHistory int

	Metrics *metrics.Emitter
}

// Session is one grading session.
type Session struct {
	Store         *queue.Store
	Uploads       *upload.Orchestrator
	Reviews       *review.Controller
	Notifications *notify.Recorder

	poller    *poller.Poller
	stateFile string
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New assembles a session. Nothing runs until Start.
func New(ctx context.Context, svc Service, opts Options) *Session {
	ctx, cancel := context.WithCancel(ctx)

	next := opts.Notifier
	if next == nil {
		next = notify.LogNotifier{}
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = upload.LocalPublisher{}
	}

	store := queue.New()
	recorder := notify.NewRecorder(opts.NotificationHistory, next)
	reconciler := review.NewReconciler(store, recorder, opts.Metrics)

	return &Session{
		Store:         store,
		Uploads:       upload.New(store, svc, publisher, recorder, opts.Metrics),
		Reviews:       review.NewController(store, svc, recorder, opts.Metrics),
		Notifications: recorder,
		poller:        poller.New(ctx, store, svc, reconciler, opts.Poll, opts.Metrics),
		stateFile:     opts.StateFile,
		cancel:        cancel,
	}
}

// Start restores the saved state, begins polling and hydrates from the
// server's pending list. A failed refresh is reported to the user and
// returned, but the session keeps running with what it has.
func (s *Session) Start(ctx context.Context) error {
	if s.stateFile != "" {
		if err := s.Store.LoadSnapshot(s.stateFile); err != nil {
			log.Warn().Err(err).Str("path", s.stateFile).Msg("Ignoring unreadable session state")
		}
	}
	s.poller.Start()

	if err := s.Reviews.Refresh(ctx); err != nil {
		notify.Error(s.Notifications, "Could not load pending reviews", notify.Message(err, "The grading service is unavailable."))
		return err
	}
	return nil
}

// Close stops polling and saves the session state. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.poller.Stop()
		s.cancel()
		if s.stateFile == "" {
			return
		}
		if err := s.Store.SaveSnapshot(s.stateFile); err != nil {
			log.Error().Err(err).Str("path", s.stateFile).Msg("Failed to save session state")
			s.closeErr = err
		}
	})
	return s.closeErr
}

// Upload queues files as one batch and uploads it.
func (s *Session) Upload(ctx context.Context, files []*media.File, fallback grading.Subject) upload.Summary {
	entries := s.Store.AddToUploadQueue(files, fallback)
	return s.Uploads.Upload(ctx, entries, fallback)
}

// WaitIdle blocks until the processing queue is empty or ctx is done.
func (s *Session) WaitIdle(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	unsubscribe := s.Store.Subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for len(s.Store.Processing()) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
	return nil
}

// State is everything a panel needs to render the queue.
type State struct {
	queue.Snapshot
	InFlight review.InFlight `json:"inFlight"`
	Polling  Polling         `json:"polling"`
}

// Polling lists the submissions each poll group is watching.
type Polling struct {
	Neatness    []int64 `json:"neatness"`
	Correctness []int64 `json:"correctness"`
}

// State returns a consistent copy of the queue plus running actions.
func (s *Session) State() State {
	neat, correct := s.poller.Polling()
	return State{
		Snapshot: s.Store.Snapshot(),
		InFlight: s.Reviews.InFlight(),
		Polling:  Polling{Neatness: neat, Correctness: correct},
	}
}

package review

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/metrics"
	"github.com/fpang/grading-queue/internal/notify"
	"github.com/fpang/grading-queue/internal/queue"
)

var (
	// ErrNotFound is returned for review ids that are not pending review.
	ErrNotFound = errors.New("review not found")

	// ErrInFlight is returned when the same action is already running for
	// the item, or the same bulk action is already running.
	ErrInFlight = errors.New("action already in progress")

	// ErrNotUploaded is returned for server actions on items without a
	// submission id.
	ErrNotUploaded = errors.New("review has no submission on the server")

	// ErrNotNeatness is returned when overriding an item that was not graded
	// for handwriting neatness.
	ErrNotNeatness = errors.New("review is not a handwriting submission")

	// ErrInvalidSubject is returned when retyping to a non-concrete subject.
	ErrInvalidSubject = errors.New("subject must be math, english or chinese")

	// ErrIndexOutOfRange is returned for edits of a result that does not exist.
	ErrIndexOutOfRange = errors.New("result index out of range")

	// ErrBulkFailed is returned by ConfirmAllReviews when at least one item
	// failed to confirm.
	ErrBulkFailed = errors.New("some confirmations failed")
)

// Service is the part of the grading service the controller talks to.
// *grading.Client satisfies it.
type Service interface {
	Confirm(ctx context.Context, submissionID int64, results []grading.ConfirmedResult) error
	Delete(ctx context.Context, submissionID int64) error
	ChangeType(ctx context.Context, submissionID int64, subject grading.Subject) error
	OverrideNeatness(ctx context.Context, submissionID int64, passed bool) error
	PendingSubmissions(ctx context.Context) ([]grading.PendingSubmission, error)
}

// BulkResult reports a confirm-all run by review id.
type BulkResult struct {
	Confirmed []string `json:"confirmed"`
	Failed    []string `json:"failed"`
}

// InFlight is a snapshot of running actions, for disabling UI affordances.
type InFlight struct {
	Confirming    []string `json:"confirming"`
	Deleting      []string `json:"deleting"`
	Retyping      []string `json:"retyping"`
	Overriding    []string `json:"overriding"`
	ConfirmingAll bool     `json:"confirmingAll"`
	ClearingAll   bool     `json:"clearingAll"`
}

// Controller executes user actions on pending-review items against the
// grading service and reconciles the store with the outcome.
//
// Confirm and delete update the store themselves once the server accepts.
// Retype and override change server-side grading in ways the client cannot
// predict, so they refetch the pending list instead of editing locally.
type Controller struct {
	store    *queue.Store
	svc      Service
	notifier notify.Notifier
	metrics  *metrics.Emitter

	mu            sync.Mutex
	confirming    map[string]bool
	deleting      map[string]bool
	retyping      map[string]bool
	overriding    map[string]bool
	confirmingAll bool
	clearingAll   bool

	refresh singleflight.Group

	// generation counts server-side mutations. A fetch only loads its result
	// if no mutation was acknowledged after it started.
	loadMu     sync.Mutex
	generation uint64
}

// NewController creates a controller.
func NewController(store *queue.Store, svc Service, notifier notify.Notifier, emitter *metrics.Emitter) *Controller {
	return &Controller{
		store:      store,
		svc:        svc,
		notifier:   notifier,
		metrics:    emitter,
		confirming: make(map[string]bool),
		deleting:   make(map[string]bool),
		retyping:   make(map[string]bool),
		overriding: make(map[string]bool),
	}
}

// InFlight returns the actions currently running.
func (c *Controller) InFlight() InFlight {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := func(m map[string]bool) []string {
		return slices.Sorted(maps.Keys(m))
	}
	return InFlight{
		Confirming:    keys(c.confirming),
		Deleting:      keys(c.deleting),
		Retyping:      keys(c.retyping),
		Overriding:    keys(c.overriding),
		ConfirmingAll: c.confirmingAll,
		ClearingAll:   c.clearingAll,
	}
}

func (c *Controller) begin(set map[string]bool, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set[id] {
		return false
	}
	set[id] = true
	return true
}

func (c *Controller) end(set map[string]bool, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(set, id)
}

func (c *Controller) beginBulk(flag *bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if *flag {
		return false
	}
	*flag = true
	return true
}

func (c *Controller) endBulk(flag *bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*flag = false
}

func (c *Controller) lookup(id string) (queue.PendingReviewItem, error) {
	item, ok := c.store.GetPendingReview(id)
	if !ok {
		return item, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return item, nil
}

// SetEdit overrides the correctness of one scored result. Edits are local
// until the item is confirmed.
func (c *Controller) SetEdit(id string, index int, correct bool) error {
	item, err := c.lookup(id)
	if err != nil {
		return err
	}
	if item.Scored == nil || index < 0 || index >= len(item.Scored.Results) {
		return fmt.Errorf("edit %s[%d]: %w", id, index, ErrIndexOutOfRange)
	}
	c.store.UpdateUserEdit(id, index, correct)
	return nil
}

// ConfirmReview sends the effective results of one item to the server and
// removes it locally once accepted. On failure the item stays untouched.
func (c *Controller) ConfirmReview(ctx context.Context, id string) error {
	if !c.begin(c.confirming, id) {
		return ErrInFlight
	}
	defer c.end(c.confirming, id)

	item, err := c.lookup(id)
	if err != nil {
		return err
	}
	if err := c.confirm(ctx, item); err != nil {
		notify.Submission(c.notifier, notify.LevelError, item.SubmissionID, "Confirmation failed", notify.Message(err, "Confirmation failed, please try again"))
		return err
	}
	c.store.RemoveFromPendingReviews(id)
	notify.Submission(c.notifier, notify.LevelSuccess, item.SubmissionID, "Grading confirmed", Describe(item))
	return nil
}

func (c *Controller) confirm(ctx context.Context, item queue.PendingReviewItem) error {
	if item.SubmissionID == 0 {
		return ErrNotUploaded
	}
	results := []grading.ConfirmedResult{}
	if item.Scored != nil {
		results = item.Scored.FinalResults()
	}
	err := c.svc.Confirm(ctx, item.SubmissionID, results)

	outcome := "confirmed"
	if err != nil {
		outcome = "failed"
	}
	c.metrics.Record("confirm").Dimension("Outcome", outcome).Count("Confirmations", 1).Flush()

	if err != nil {
		log.Error().Err(err).Int64("submissionId", item.SubmissionID).Msg("Confirmation failed")
		return fmt.Errorf("confirm submission %d: %w", item.SubmissionID, err)
	}
	c.invalidate()
	log.Info().Int64("submissionId", item.SubmissionID).Int("results", len(results)).Msg("Grading confirmed")
	return nil
}

// ConfirmAllReviews confirms every pending item one at a time. A failure does
// not stop the run. Afterwards every item the run attempted is removed
// locally, including failed ones; the server still lists those, so the next
// refresh brings them back. Items already being confirmed individually are
// skipped.
func (c *Controller) ConfirmAllReviews(ctx context.Context) (BulkResult, error) {
	if !c.beginBulk(&c.confirmingAll) {
		return BulkResult{}, ErrInFlight
	}
	defer c.endBulk(&c.confirmingAll)

	var res BulkResult
	var attempted []string
	for _, item := range c.store.PendingReviews() {
		if ctx.Err() != nil {
			break
		}
		if !c.begin(c.confirming, item.ID) {
			continue
		}
		err := c.confirm(ctx, item)
		c.end(c.confirming, item.ID)

		attempted = append(attempted, item.ID)
		if err != nil {
			res.Failed = append(res.Failed, item.ID)
		} else {
			res.Confirmed = append(res.Confirmed, item.ID)
		}
	}

	for _, id := range attempted {
		c.store.RemoveFromPendingReviews(id)
	}

	log.Info().Int("confirmed", len(res.Confirmed)).Int("failed", len(res.Failed)).Msg("Bulk confirmation finished")
	if len(res.Failed) > 0 {
		notify.Error(c.notifier, "Some confirmations failed",
			fmt.Sprintf("%d of %d items could not be confirmed; refresh to review them again", len(res.Failed), len(attempted)))
		return res, fmt.Errorf("%d of %d: %w", len(res.Failed), len(attempted), ErrBulkFailed)
	}
	if len(res.Confirmed) > 0 {
		notify.Success(c.notifier, fmt.Sprintf("Confirmed %d item(s)", len(res.Confirmed)), "")
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// DeleteReview deletes an item. Items that never reached the server are
// removed locally only. On server failure the item stays.
func (c *Controller) DeleteReview(ctx context.Context, id string) error {
	if !c.begin(c.deleting, id) {
		return ErrInFlight
	}
	defer c.end(c.deleting, id)

	item, err := c.lookup(id)
	if err != nil {
		return err
	}
	if item.SubmissionID == 0 {
		c.store.RemoveFromPendingReviews(id)
		return nil
	}

	if err := c.svc.Delete(ctx, item.SubmissionID); err != nil {
		log.Error().Err(err).Int64("submissionId", item.SubmissionID).Msg("Delete failed")
		notify.Submission(c.notifier, notify.LevelError, item.SubmissionID, "Delete failed", notify.Message(err, "Delete failed, please try again"))
		return fmt.Errorf("delete submission %d: %w", item.SubmissionID, err)
	}
	c.invalidate()
	c.store.RemoveFromPendingReviews(id)
	log.Info().Int64("submissionId", item.SubmissionID).Msg("Submission deleted")
	notify.Submission(c.notifier, notify.LevelSuccess, item.SubmissionID, "Submission deleted", "")
	return nil
}

// ClearAllReviews deletes every item on the server, ignoring individual
// failures, then clears the local list and refetches it from the server.
func (c *Controller) ClearAllReviews(ctx context.Context) error {
	if !c.beginBulk(&c.clearingAll) {
		return ErrInFlight
	}
	defer c.endBulk(&c.clearingAll)

	items := c.store.PendingReviews()
	var failed int
	for _, item := range items {
		if item.SubmissionID == 0 {
			continue
		}
		if err := c.svc.Delete(ctx, item.SubmissionID); err != nil {
			failed++
			log.Debug().Err(err).Int64("submissionId", item.SubmissionID).Msg("Ignoring delete failure during clear")
		}
	}
	c.invalidate()
	c.store.ClearPendingReviews()
	log.Info().Int("items", len(items)).Int("deleteFailures", failed).Msg("Pending reviews cleared")

	if err := c.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Refetch after clear failed")
	}
	notify.Info(c.notifier, fmt.Sprintf("Cleared %d item(s)", len(items)), "")
	return nil
}

// ChangeReviewType asks the server to regrade an item as subject. The store
// is not touched; the refetch that follows moves the item back to processing.
func (c *Controller) ChangeReviewType(ctx context.Context, id string, subject grading.Subject) error {
	if !subject.Explicit() {
		return ErrInvalidSubject
	}
	if !c.begin(c.retyping, id) {
		return ErrInFlight
	}
	defer c.end(c.retyping, id)

	item, err := c.lookup(id)
	if err != nil {
		return err
	}
	if item.SubmissionID == 0 {
		return ErrNotUploaded
	}
	if err := c.svc.ChangeType(ctx, item.SubmissionID, subject); err != nil {
		log.Error().Err(err).Int64("submissionId", item.SubmissionID).Msg("Type change failed")
		notify.Submission(c.notifier, notify.LevelError, item.SubmissionID, "Type change failed", notify.Message(err, "Type change failed, please try again"))
		return fmt.Errorf("change type of submission %d: %w", item.SubmissionID, err)
	}
	c.invalidate()
	log.Info().Int64("submissionId", item.SubmissionID).Str("homeworkType", string(subject)).Msg("Submission retyped, regrading")
	notify.Submission(c.notifier, notify.LevelInfo, item.SubmissionID, "Regrading as "+string(subject), "")
	c.refetch(ctx)
	return nil
}

// OverrideNeatness asks the server to set the pass/fail verdict of a
// handwriting item. The score is unchanged. The store is not touched; the
// refetch that follows brings the new verdict.
func (c *Controller) OverrideNeatness(ctx context.Context, id string, passed bool) error {
	if !c.begin(c.overriding, id) {
		return ErrInFlight
	}
	defer c.end(c.overriding, id)

	item, err := c.lookup(id)
	if err != nil {
		return err
	}
	if item.Neatness == nil {
		return ErrNotNeatness
	}
	if item.SubmissionID == 0 {
		return ErrNotUploaded
	}
	if err := c.svc.OverrideNeatness(ctx, item.SubmissionID, passed); err != nil {
		log.Error().Err(err).Int64("submissionId", item.SubmissionID).Msg("Neatness override failed")
		notify.Submission(c.notifier, notify.LevelError, item.SubmissionID, "Override failed", notify.Message(err, "Override failed, please try again"))
		return fmt.Errorf("override neatness of submission %d: %w", item.SubmissionID, err)
	}
	c.invalidate()
	log.Info().Int64("submissionId", item.SubmissionID).Bool("passed", passed).Msg("Neatness verdict overridden")
	c.refetch(ctx)
	return nil
}

func (c *Controller) refetch(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Refetch after server change failed")
	}
}

// Refresh loads the server's unconfirmed submissions into the store.
// Concurrent calls started after the same mutation share one request. A
// result fetched before a later mutation was acknowledged is discarded. Each
// caller waits on its own ctx; the shared request runs until it completes.
func (c *Controller) Refresh(ctx context.Context) error {
	gen := c.currentGeneration()
	ch := c.refresh.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, c.load(context.WithoutCancel(ctx), gen)
	})
	select {
	case res := <-ch:
		if res.Shared {
			log.Debug().Msg("Refresh shared with a concurrent caller")
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) load(ctx context.Context, gen uint64) error {
	pending, err := c.svc.PendingSubmissions(ctx)
	if err != nil {
		return fmt.Errorf("fetch pending submissions: %w", err)
	}

	var reviews []queue.PendingReviewItem
	var processing []queue.ProcessingEntry
	for _, p := range pending {
		item, proc, ok := FromPending(p)
		switch {
		case !ok:
			log.Debug().Int64("submissionId", p.SubmissionID).Str("status", string(p.Status)).Msg("Skipping submission that cannot be reviewed")
		case item != nil:
			reviews = append(reviews, *item)
		case proc != nil:
			processing = append(processing, *proc)
		}
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.generation != gen {
		log.Debug().Msg("Discarding pending submissions fetched before a later change")
		return nil
	}
	c.store.LoadFromServer(reviews, processing)
	log.Debug().Int("reviews", len(reviews)).Int("processing", len(processing)).Msg("Pending submissions loaded")
	return nil
}

func (c *Controller) currentGeneration() uint64 {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.generation
}

// invalidate marks every fetch started so far as stale. Call it once the
// server has acknowledged a change.
func (c *Controller) invalidate() {
	c.loadMu.Lock()
	c.generation++
	c.loadMu.Unlock()
}

// Package review turns finished grading jobs into pending-review items and
// carries out the user's decisions on them: confirm, delete, retype and
// neatness override.
package review

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/metrics"
	"github.com/fpang/grading-queue/internal/notify"
	"github.com/fpang/grading-queue/internal/queue"
)

const dateLayout = "2006-01-02"

// MessageGradingFailed is shown when the service reports a failure without
// saying why.
const MessageGradingFailed = "Grading failed"

// FromSubmission builds the review item for a graded correctness-endpoint
// result. The subject decides the payload: chinese gets the neatness detail,
// everything else the scored items.
func FromSubmission(entry queue.ProcessingEntry, r *grading.SubmissionResult) queue.PendingReviewItem {
	subject := grading.ResolveSubject(entry.HomeworkType, r)
	item := baseItem(entry, subject)
	item.HomeworkRecordID = r.HomeworkRecordID
	item.ImagePath = r.ImagePath
	if r.HomeworkDate != "" {
		item.HomeworkDate = r.HomeworkDate
	}

	if subject.UsesNeatness() {
		item.Neatness = neatnessFromResult(r)
		return item
	}
	item.Scored = &queue.ScoredPayload{
		Results:           r.Results,
		UserEdits:         make(map[int]bool),
		AnnotatedImageURL: r.AnnotatedImageURL,
		TotalCorrect:      r.TotalCorrect,
		TotalWrong:        r.TotalWrong,
		Confidence:        r.Confidence,
	}
	return item
}

// FromNeatness builds the review item for a graded handwriting submission.
// The verdict is the score threshold.
func FromNeatness(entry queue.ProcessingEntry, s *grading.NeatnessStatus) queue.PendingReviewItem {
	item := baseItem(entry, grading.SubjectChinese)
	item.HomeworkRecordID = s.HomeworkRecordID
	item.ImagePath = s.ImagePath
	if s.HomeworkDate != "" {
		item.HomeworkDate = s.HomeworkDate
	}
	n := s.Result()
	n.Passed = grading.Passed(n.AverageScore)
	item.Neatness = &n
	return item
}

func baseItem(entry queue.ProcessingEntry, subject grading.Subject) queue.PendingReviewItem {
	item := queue.PendingReviewItem{
		SubmissionID:       entry.SubmissionID,
		HomeworkType:       subject,
		OriginalFileName:   entry.OriginalFileName,
		OriginalPreviewURL: entry.OriginalPreviewURL,
		BatchID:            entry.BatchID,
	}
	if !entry.CapturedAt.IsZero() {
		item.HomeworkDate = entry.CapturedAt.Format(dateLayout)
	}
	return item
}

// neatnessFromResult reads the neatness detail off a correctness-endpoint
// result. Only the score is guaranteed; the verdict is the threshold.
func neatnessFromResult(r *grading.SubmissionResult) *grading.NeatnessResult {
	var n grading.NeatnessResult
	if r.NeatnessResult != nil {
		n = r.NeatnessResult.Result()
	} else if r.NeatnessScore != nil {
		n.AverageScore = *r.NeatnessScore
		n.Confidence = r.Confidence
	}
	n.Passed = grading.Passed(n.AverageScore)
	return &n
}

// FromPending converts one entry of the server's unconfirmed list. Graded
// submissions become review items; submissions still grading become
// processing entries. ok is false for failed submissions.
//
// Unlike a fresh promotion, a neatness verdict sent by the server is kept as
// is: it may carry a manual override. Without one the threshold decides.
func FromPending(p grading.PendingSubmission) (item *queue.PendingReviewItem, proc *queue.ProcessingEntry, ok bool) {
	entry := queue.ProcessingEntry{
		SubmissionID:       p.SubmissionID,
		HomeworkType:       pendingSubject(p),
		OriginalFileName:   p.OriginalFileName,
		OriginalPreviewURL: p.OriginalImageURL,
		Status:             p.Status,
		BatchID:            p.BatchID,
	}

	switch p.Status {
	case grading.StatusGraded:
		it := FromSubmission(entry, &p.SubmissionResult)
		if it.Neatness != nil && p.NeatnessResult != nil && p.NeatnessResult.Passed != nil {
			it.Neatness.Passed = *p.NeatnessResult.Passed
		}
		return &it, nil, true
	case grading.StatusPending, grading.StatusProcessing:
		return nil, &entry, true
	default:
		return nil, nil, false
	}
}

// pendingSubject is the subject to poll a submission under. Without an
// explicit server type it stays auto, so that inference runs on the graded
// result instead of being fixed now.
func pendingSubject(p grading.PendingSubmission) grading.Subject {
	if p.HomeworkType.Explicit() {
		return p.HomeworkType
	}
	if p.GradingMode == grading.GradingModeNeatness {
		return grading.SubjectChinese
	}
	return grading.SubjectAuto
}

// Reconciler applies terminal poll observations to the store. It satisfies
// poller.Handler.
type Reconciler struct {
	store    *queue.Store
	notifier notify.Notifier
	metrics  *metrics.Emitter
}

// NewReconciler creates a reconciler.
func NewReconciler(store *queue.Store, notifier notify.Notifier, emitter *metrics.Emitter) *Reconciler {
	return &Reconciler{store: store, notifier: notifier, metrics: emitter}
}

// Graded promotes a correctness-endpoint result.
func (r *Reconciler) Graded(entry queue.ProcessingEntry, result *grading.SubmissionResult) {
	r.promote(entry, FromSubmission(entry, result))
}

// NeatnessGraded promotes a handwriting result.
func (r *Reconciler) NeatnessGraded(entry queue.ProcessingEntry, status *grading.NeatnessStatus) {
	r.promote(entry, FromNeatness(entry, status))
}

// Failed discards the processing entry and reports the server's message.
func (r *Reconciler) Failed(entry queue.ProcessingEntry, message string) {
	if _, ok := r.store.ProcessingBySubmission(entry.SubmissionID); !ok {
		return
	}
	r.store.RemoveFromProcessingQueue(entry.ID)
	if message == "" {
		message = MessageGradingFailed
	}
	log.Warn().
		Int64("submissionId", entry.SubmissionID).
		Str("file", entry.OriginalFileName).
		Str("reason", message).
		Msg("Grading failed")
	notify.Submission(r.notifier, notify.LevelError, entry.SubmissionID, title("Grading failed", entry), message)
	r.metrics.Record("grading").Dimension("Outcome", "failed").Count("Failed", 1).Flush()
}

func (r *Reconciler) promote(entry queue.ProcessingEntry, item queue.PendingReviewItem) {
	if !r.store.PromoteToReview(entry.ID, item) {
		log.Debug().Int64("submissionId", entry.SubmissionID).Msg("Processing entry gone, dropping graded result")
		return
	}
	log.Info().
		Int64("submissionId", entry.SubmissionID).
		Str("homeworkType", string(item.HomeworkType)).
		Str("file", entry.OriginalFileName).
		Msg("Submission graded, awaiting review")
	notify.Submission(r.notifier, notify.LevelSuccess, entry.SubmissionID, title("Graded", entry), Describe(item))
	r.metrics.Record("grading").
		Dimension("Outcome", "graded").
		Dimension("Subject", string(item.HomeworkType)).
		Count("Graded", 1).
		Since("GradingMs", entry.StartedAt).
		Flush()
}

func title(prefix string, entry queue.ProcessingEntry) string {
	if entry.OriginalFileName == "" {
		return fmt.Sprintf("%s: submission %d", prefix, entry.SubmissionID)
	}
	return fmt.Sprintf("%s: %s", prefix, entry.OriginalFileName)
}

// Describe summarises a review item's effective outcome.
func Describe(item queue.PendingReviewItem) string {
	switch {
	case item.Neatness != nil:
		verdict := "fail"
		if item.Neatness.Passed {
			verdict = "pass"
		}
		return fmt.Sprintf("neatness %.1f (%s)", item.Neatness.AverageScore, verdict)
	case item.Scored != nil:
		correct, wrong := item.Scored.Tally()
		return fmt.Sprintf("%d correct, %d wrong", correct, wrong)
	default:
		return ""
	}
}

// Package upload sends queued homework files to the grading service as one
// batch and fans the response back onto the queue: accepted files move to the
// processing queue, rejected files are marked failed and files the service
// could not classify wait in the needs-type queue.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/media"
	"github.com/fpang/grading-queue/internal/metrics"
	"github.com/fpang/grading-queue/internal/notify"
	"github.com/fpang/grading-queue/internal/queue"
)

// ErrUnknownEntry is returned when a needs-type entry no longer exists.
var ErrUnknownEntry = errors.New("needs-type entry not found")

// ErrNoSubject is returned when a needs-type entry is resolved without
// choosing one of the concrete subjects.
var ErrNoSubject = errors.New("a subject must be chosen")

// BatchSubmitter submits a multipart batch. *grading.Client satisfies it.
type BatchSubmitter interface {
	SmartGradeBatch(ctx context.Context, files []grading.UploadFile, fallback grading.Subject) (*grading.BatchResult, error)
}

// Summary counts the outcome of one batch.
type Summary struct {
	Success       int     `json:"success"`
	NeedsType     int     `json:"needsType"`
	Failed        int     `json:"failed"`
	SubmissionIDs []int64 `json:"submissionIds,omitempty"`
}

// Orchestrator uploads batches on behalf of the queue store.
type Orchestrator struct {
	store     *queue.Store
	client    BatchSubmitter
	publisher PreviewPublisher
	notifier  notify.Notifier
	metrics   *metrics.Emitter
}

// New creates an orchestrator. publisher may be nil to keep local previews.
func New(store *queue.Store, client BatchSubmitter, publisher PreviewPublisher, notifier notify.Notifier, emitter *metrics.Emitter) *Orchestrator {
	return &Orchestrator{
		store:     store,
		client:    client,
		publisher: publisher,
		notifier:  notifier,
		metrics:   emitter,
	}
}

// Upload submits entries as one batch. fallback is sent only when it names a
// concrete subject; the service uses it for files it cannot classify.
//
// A request-level failure marks every entry failed with the error message and
// adds nothing to the processing queue. Upload never returns an error; the
// outcome is on the entries and in the summary.
func (o *Orchestrator) Upload(ctx context.Context, entries []queue.QueueEntry, fallback grading.Subject) Summary {
	if len(entries) == 0 {
		return Summary{}
	}
	start := time.Now()
	batchID := entries[0].BatchID
	logger := log.With().Str("batchId", batchID).Int("files", len(entries)).Logger()

	entries = o.publishPreviews(ctx, entries)

	files := make([]grading.UploadFile, len(entries))
	names := make([]string, len(entries))
	for i, e := range entries {
		o.store.UpdateUploadStatus(e.ID, queue.UploadUploading, "")
		f := e.File
		files[i] = grading.UploadFile{
			Name:        f.Name,
			ContentType: f.MIMEType,
			Open:        func() (io.ReadCloser, error) { return f.Open() },
		}
		names[i] = f.Name
	}

	logger.Info().Str("fallbackType", string(fallback)).Msg("Uploading batch")
	res, err := o.client.SmartGradeBatch(ctx, files, fallback)
	if err != nil {
		msg := notify.Message(err, err.Error())
		for _, e := range entries {
			o.store.UpdateUploadStatus(e.ID, queue.UploadFailed, msg)
		}
		logger.Error().Err(err).Msg("Batch upload failed")
		notify.Error(o.notifier, "Upload failed", msg)
		o.record(batchID, start, Summary{Failed: len(entries)})
		return Summary{Failed: len(entries)}
	}

	var sum Summary
	for i, oc := range correlate(names, res) {
		e := entries[i]
		switch oc.kind {
		case outcomeSubmitted:
			o.store.UpdateUploadStatus(e.ID, queue.UploadUploaded, "")
			moved := o.store.MoveToProcessing(e.ID, queue.ProcessingEntry{
				SubmissionID:       oc.submissionID,
				HomeworkType:       e.AssignedType,
				OriginalFileName:   e.File.Name,
				OriginalPreviewURL: e.PreviewURL,
				Status:             grading.StatusPending,
				BatchID:            e.BatchID,
				CapturedAt:         e.File.CapturedAt,
			})
			if !moved {
				// Discarded by the user while the request was in flight.
				logger.Debug().Int64("submissionId", oc.submissionID).Str("file", e.File.Name).Msg("Upload entry gone, not tracking submission")
				continue
			}
			sum.Success++
			sum.SubmissionIDs = append(sum.SubmissionIDs, oc.submissionID)
		case outcomeNeedsType:
			if o.store.MoveToNeedsType(e.ID) {
				sum.NeedsType++
			}
		case outcomeFailed:
			o.store.UpdateUploadStatus(e.ID, queue.UploadFailed, oc.message)
			sum.Failed++
			logger.Warn().Str("file", e.File.Name).Str("reason", oc.message).Msg("File not accepted for grading")
		}
	}

	logger.Info().
		Int("success", sum.Success).
		Int("needsType", sum.NeedsType).
		Int("failed", sum.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("Batch upload complete")
	o.notifySummary(sum)
	o.record(batchID, start, sum)
	return sum
}

// publishPreviews replaces local preview URLs with published ones. A failed
// publish keeps the local URL; previews never block grading.
func (o *Orchestrator) publishPreviews(ctx context.Context, entries []queue.QueueEntry) []queue.QueueEntry {
	if o.publisher == nil {
		return entries
	}
	out := make([]queue.QueueEntry, len(entries))
	for i, e := range entries {
		out[i] = e
		if e.PreviewURL != "" && e.PreviewURL != LocalURL(e.File) {
			continue
		}
		url, err := o.publisher.Publish(ctx, e.File)
		if err != nil {
			log.Warn().Err(err).Str("file", e.File.Name).Msg("Preview publish failed, keeping local preview")
			continue
		}
		out[i].PreviewURL = url
		o.store.SetPreviewURL(e.ID, url)
	}
	return out
}

func (o *Orchestrator) notifySummary(sum Summary) {
	switch {
	case sum.Failed == 0 && sum.NeedsType == 0:
		notify.Success(o.notifier, fmt.Sprintf("Uploaded %d file(s) for grading", sum.Success), "")
	case sum.Success == 0 && sum.NeedsType == 0:
		notify.Error(o.notifier, fmt.Sprintf("%d file(s) failed to upload", sum.Failed), "")
	default:
		notify.Info(o.notifier,
			fmt.Sprintf("Uploaded %d file(s) for grading", sum.Success),
			fmt.Sprintf("%d failed, %d need a subject", sum.Failed, sum.NeedsType))
	}
}

func (o *Orchestrator) record(batchID string, start time.Time, sum Summary) {
	o.metrics.Record("upload").
		Count("Submitted", sum.Success).
		Count("NeedsType", sum.NeedsType).
		Count("Failed", sum.Failed).
		Since("LatencyMs", start).
		Property("batchId", batchID).
		Flush()
}

// ResolveNeedsType re-queues a needs-type file under the chosen subject and
// uploads it as a new batch.
func (o *Orchestrator) ResolveNeedsType(ctx context.Context, id string, subject grading.Subject) (Summary, error) {
	if !subject.Explicit() {
		return Summary{}, ErrNoSubject
	}
	e, ok := o.store.TakeNeedsType(id)
	if !ok {
		return Summary{}, fmt.Errorf("resolve %s: %w", id, ErrUnknownEntry)
	}
	entries := o.store.AddToUploadQueue([]*media.File{e.File}, subject)
	if e.PreviewURL != "" {
		o.store.SetPreviewURL(entries[0].ID, e.PreviewURL)
		entries[0].PreviewURL = e.PreviewURL
	}
	log.Info().Str("file", e.File.Name).Str("subject", string(subject)).Msg("Resubmitting file with chosen subject")
	return o.Upload(ctx, entries, subject), nil
}

// CancelNeedsType discards a needs-type file.
func (o *Orchestrator) CancelNeedsType(id string) {
	o.store.RemoveFromNeedsType(id)
}

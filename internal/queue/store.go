// Package queue holds the client-side state of the grading workflow: the
// upload queue, the needs-type queue, the processing queue and the
// pending-review list.
//
// Every operation is synchronous and never fails. Operations on ids that are
// not present are silently ignored, which makes them safe to call from poll
// goroutines racing with user actions. The store performs no I/O; a single
// mutex serialises mutations and reads return copies.
package queue

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/media"
)

// Store is the mutable queue state. Create one with New and share it between
// the upload orchestrator, the poller and the review controller.
type Store struct {
	mu         sync.Mutex
	uploads    []QueueEntry
	needsType  []NeedsTypeEntry
	processing []ProcessingEntry
	reviews    []PendingReviewItem

	batchSeq     uint64
	currentBatch string

	listenerSeq int
	listeners   map[int]func()

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		listeners: make(map[int]func()),
		now:       time.Now,
	}
}

func newID() string {
	return uuid.NewString()
}

// Subscribe registers fn to be called after every change to the processing
// queue. fn runs outside the store lock and may read the store. The returned
// function removes the listener.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerSeq++
	id := s.listenerSeq
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// notify calls listeners. Must be called without holding mu.
func (s *Store) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// --- Upload queue ---

// AddToUploadQueue appends one queued entry per file, all sharing a new batch
// id. The preview URL defaults to the local file URL.
func (s *Store) AddToUploadQueue(files []*media.File, fallbackType grading.Subject) []QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fallbackType == "" {
		fallbackType = grading.SubjectAuto
	}
	s.batchSeq++
	s.currentBatch = fmt.Sprintf("batch-%d-%d", s.now().UnixMilli(), s.batchSeq)

	added := make([]QueueEntry, 0, len(files))
	for _, f := range files {
		e := QueueEntry{
			ID:           newID(),
			File:         f,
			PreviewURL:   "file://" + f.Path,
			Status:       UploadQueued,
			AssignedType: fallbackType,
			BatchID:      s.currentBatch,
		}
		s.uploads = append(s.uploads, e)
		added = append(added, e)
	}
	return added
}

// UpdateUploadStatus transitions an upload entry. errMsg is kept only for
// the failed status.
func (s *Store) UpdateUploadStatus(id string, status UploadStatus, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.uploads {
		if s.uploads[i].ID == id {
			s.uploads[i].Status = status
			if status == UploadFailed {
				s.uploads[i].Error = errMsg
			} else {
				s.uploads[i].Error = ""
			}
			return
		}
	}
}

// SetPreviewURL replaces the preview URL of an upload entry.
func (s *Store) SetPreviewURL(id, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.uploads {
		if s.uploads[i].ID == id {
			s.uploads[i].PreviewURL = url
			return
		}
	}
}

// SetAssignedType changes the subject hint of an upload entry.
func (s *Store) SetAssignedType(id string, subject grading.Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.uploads {
		if s.uploads[i].ID == id {
			s.uploads[i].AssignedType = subject
			return
		}
	}
}

// RemoveFromUploadQueue removes an upload entry.
func (s *Store) RemoveFromUploadQueue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = slices.DeleteFunc(s.uploads, func(e QueueEntry) bool { return e.ID == id })
}

// ClearUploadQueue empties the upload queue.
func (s *Store) ClearUploadQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = nil
}

// UploadEntry returns a copy of an upload entry.
func (s *Store) UploadEntry(id string) (QueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.uploads {
		if e.ID == id {
			return e, true
		}
	}
	return QueueEntry{}, false
}

// MoveToProcessing removes an upload entry and adds e to the processing
// queue in one step, so the entry is never in both queues. It reports false
// when the upload entry no longer exists.
func (s *Store) MoveToProcessing(uploadID string, e ProcessingEntry) bool {
	s.mu.Lock()
	i := slices.IndexFunc(s.uploads, func(q QueueEntry) bool { return q.ID == uploadID })
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.uploads = slices.Delete(s.uploads, i, i+1)
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Status == "" {
		e.Status = grading.StatusPending
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now()
	}
	added := s.processingIndexBySubmission(e.SubmissionID) < 0
	if added {
		s.processing = append(s.processing, e)
	}
	s.mu.Unlock()
	if added {
		s.notify()
	}
	return true
}

// MoveToNeedsType removes an upload entry and parks its file in the
// needs-type queue under the same id.
func (s *Store) MoveToNeedsType(uploadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.uploads, func(q QueueEntry) bool { return q.ID == uploadID })
	if i < 0 {
		return false
	}
	q := s.uploads[i]
	s.uploads = slices.Delete(s.uploads, i, i+1)
	s.needsType = append(s.needsType, NeedsTypeEntry{
		ID:         q.ID,
		File:       q.File,
		PreviewURL: q.PreviewURL,
		BatchID:    q.BatchID,
	})
	return true
}

// --- Needs-type queue ---

// AddToNeedsType appends an entry awaiting a subject choice.
func (s *Store) AddToNeedsType(e NeedsTypeEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = newID()
	}
	if slices.ContainsFunc(s.needsType, func(n NeedsTypeEntry) bool { return n.ID == e.ID }) {
		return
	}
	s.needsType = append(s.needsType, e)
}

// TakeNeedsType removes and returns a needs-type entry.
func (s *Store) TakeNeedsType(id string) (NeedsTypeEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.needsType {
		if e.ID == id {
			s.needsType = slices.Delete(s.needsType, i, i+1)
			return e, true
		}
	}
	return NeedsTypeEntry{}, false
}

// RemoveFromNeedsType discards a needs-type entry.
func (s *Store) RemoveFromNeedsType(id string) {
	s.TakeNeedsType(id)
}

// --- Processing queue ---

// AddToProcessingQueue appends a processing entry. An entry whose submission
// id is already tracked is ignored.
func (s *Store) AddToProcessingQueue(e ProcessingEntry) {
	s.mu.Lock()
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Status == "" {
		e.Status = grading.StatusPending
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now()
	}
	if s.processingIndexBySubmission(e.SubmissionID) >= 0 {
		s.mu.Unlock()
		return
	}
	s.processing = append(s.processing, e)
	s.mu.Unlock()
	s.notify()
}

// UpdateProcessingStatus sets the job status of a processing entry.
func (s *Store) UpdateProcessingStatus(id string, status grading.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.processing {
		if s.processing[i].ID == id {
			s.processing[i].Status = status
			return
		}
	}
}

// RemoveFromProcessingQueue removes a processing entry.
func (s *Store) RemoveFromProcessingQueue(id string) {
	s.mu.Lock()
	n := len(s.processing)
	s.processing = slices.DeleteFunc(s.processing, func(e ProcessingEntry) bool { return e.ID == id })
	changed := len(s.processing) != n
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// ProcessingBySubmission returns the processing entry for a submission id.
func (s *Store) ProcessingBySubmission(submissionID int64) (ProcessingEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.processingIndexBySubmission(submissionID); i >= 0 {
		return s.processing[i], true
	}
	return ProcessingEntry{}, false
}

// Processing returns a copy of the processing queue.
func (s *Store) Processing() []ProcessingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.processing)
}

func (s *Store) processingIndexBySubmission(submissionID int64) int {
	return slices.IndexFunc(s.processing, func(e ProcessingEntry) bool { return e.SubmissionID == submissionID })
}

// --- Pending reviews ---

// AddToPendingReviews appends a review item. Items for a submission that is
// already pending review are ignored.
func (s *Store) AddToPendingReviews(item PendingReviewItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		item.ID = newID()
	}
	if item.SubmissionID != 0 && s.reviewIndexBySubmission(item.SubmissionID) >= 0 {
		return
	}
	item = item.Clone()
	if item.Scored != nil && item.Scored.UserEdits == nil {
		item.Scored.UserEdits = make(map[int]bool)
	}
	s.reviews = append(s.reviews, item)
}

// UpdateUserEdit records a correctness override for result index of a
// review. It never changes the server result itself. Out-of-range indexes and
// items without a scored payload are ignored.
func (s *Store) UpdateUserEdit(reviewID string, index int, correct bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.reviewIndex(reviewID)
	if i < 0 {
		return
	}
	p := s.reviews[i].Scored
	if p == nil || index < 0 || index >= len(p.Results) {
		return
	}
	if p.UserEdits == nil {
		p.UserEdits = make(map[int]bool)
	}
	p.UserEdits[index] = correct
}

// ClearUserEdit removes an override, restoring the server verdict.
func (s *Store) ClearUserEdit(reviewID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.reviewIndex(reviewID); i >= 0 && s.reviews[i].Scored != nil {
		delete(s.reviews[i].Scored.UserEdits, index)
	}
}

// PromoteToReview removes a processing entry and appends item to the
// pending-review list in one step. It reports false, changing nothing, when
// the processing entry is gone.
func (s *Store) PromoteToReview(processingID string, item PendingReviewItem) bool {
	s.mu.Lock()
	i := slices.IndexFunc(s.processing, func(e ProcessingEntry) bool { return e.ID == processingID })
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.processing = slices.Delete(s.processing, i, i+1)
	if item.ID == "" {
		item.ID = newID()
	}
	item = item.Clone()
	if item.Scored != nil && item.Scored.UserEdits == nil {
		item.Scored.UserEdits = make(map[int]bool)
	}
	if j := s.reviewIndexBySubmission(item.SubmissionID); j >= 0 {
		s.reviews[j] = mergeReview(s.reviews[j], item)
	} else {
		s.reviews = append(s.reviews, item)
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// RemoveFromPendingReviews removes a review item.
func (s *Store) RemoveFromPendingReviews(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews = slices.DeleteFunc(s.reviews, func(it PendingReviewItem) bool { return it.ID == id })
}

// ClearPendingReviews empties the pending-review list.
func (s *Store) ClearPendingReviews() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews = nil
}

// GetPendingReview returns a copy of a review item.
func (s *Store) GetPendingReview(id string) (PendingReviewItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.reviewIndex(id); i >= 0 {
		return s.reviews[i].Clone(), true
	}
	return PendingReviewItem{}, false
}

// PendingBySubmission returns a copy of the review item for a submission id.
func (s *Store) PendingBySubmission(submissionID int64) (PendingReviewItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.reviewIndexBySubmission(submissionID); i >= 0 {
		return s.reviews[i].Clone(), true
	}
	return PendingReviewItem{}, false
}

// PendingReviews returns copies of all review items in list order.
func (s *Store) PendingReviews() []PendingReviewItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingReviewItem, len(s.reviews))
	for i, it := range s.reviews {
		out[i] = it.Clone()
	}
	return out
}

func (s *Store) reviewIndex(id string) int {
	return slices.IndexFunc(s.reviews, func(it PendingReviewItem) bool { return it.ID == id })
}

func (s *Store) reviewIndexBySubmission(submissionID int64) int {
	return slices.IndexFunc(s.reviews, func(it PendingReviewItem) bool { return it.SubmissionID == submissionID })
}

// --- Whole-store views ---

// CurrentBatchID returns the batch id of the most recent AddToUploadQueue call.
func (s *Store) CurrentBatchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentBatch
}

// Snapshot returns a deep copy of the four collections.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	reviews := make([]PendingReviewItem, len(s.reviews))
	for i, it := range s.reviews {
		reviews[i] = it.Clone()
	}
	return Snapshot{
		Uploads:    slices.Clone(s.uploads),
		NeedsType:  slices.Clone(s.needsType),
		Processing: slices.Clone(s.processing),
		Reviews:    reviews,
		BatchID:    s.currentBatch,
	}
}

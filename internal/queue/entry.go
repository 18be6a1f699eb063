package queue

import (
	"maps"
	"slices"
	"time"

	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/media"
)

// UploadStatus is the client-side status of a file waiting to be uploaded.
type UploadStatus string

const (
	UploadQueued    UploadStatus = "queued"
	UploadUploading UploadStatus = "uploading"
	UploadUploaded  UploadStatus = "uploaded"
	UploadFailed    UploadStatus = "failed"
)

// QueueEntry is a file in the upload queue.
type QueueEntry struct {
	ID           string          `json:"id"`
	File         *media.File     `json:"file"`
	PreviewURL   string          `json:"previewUrl"`
	Status       UploadStatus    `json:"status"`
	Error        string          `json:"error,omitempty"`
	AssignedType grading.Subject `json:"assignedType"`
	BatchID      string          `json:"batchId"`
}

// NeedsTypeEntry is a file the server could not classify; it waits for the
// user to pick a subject.
type NeedsTypeEntry struct {
	ID         string      `json:"id"`
	File       *media.File `json:"file"`
	PreviewURL string      `json:"previewUrl"`
	BatchID    string      `json:"batchId"`
}

// ProcessingEntry is an uploaded submission whose grading job is in flight.
type ProcessingEntry struct {
	ID                 string            `json:"id"`
	SubmissionID       int64             `json:"submissionId"`
	HomeworkType       grading.Subject   `json:"homeworkType"`
	OriginalFileName   string            `json:"originalFileName"`
	OriginalPreviewURL string            `json:"originalPreviewUrl"`
	Status             grading.JobStatus `json:"status"`
	BatchID            string            `json:"batchId"`
	CapturedAt         time.Time         `json:"capturedAt,omitzero"`
	StartedAt          time.Time         `json:"startedAt"`
}

// ScoredPayload is the review payload of correctness-graded subjects.
// UserEdits is a sparse index → correctness override; Results is never
// modified so the server's verdict stays available.
type ScoredPayload struct {
	Results           []grading.ScoredItem `json:"results"`
	UserEdits         map[int]bool         `json:"userEdits"`
	AnnotatedImageURL string               `json:"annotatedImageUrl,omitempty"`
	TotalCorrect      int                  `json:"totalCorrect"`
	TotalWrong        int                  `json:"totalWrong"`
	Confidence        float64              `json:"confidence"`
}

// Effective returns the correctness of result i after user overrides.
func (p *ScoredPayload) Effective(i int) bool {
	if v, ok := p.UserEdits[i]; ok {
		return v
	}
	if i < 0 || i >= len(p.Results) {
		return false
	}
	return p.Results[i].Correct
}

// Tally counts effective correct and wrong answers. Without per-item results
// it falls back to the server totals.
func (p *ScoredPayload) Tally() (correct, wrong int) {
	if len(p.Results) == 0 {
		return p.TotalCorrect, p.TotalWrong
	}
	for i := range p.Results {
		if p.Effective(i) {
			correct++
		} else {
			wrong++
		}
	}
	return correct, wrong
}

// FinalResults builds the confirmation payload. Entries are keyed by
// position in Results, the same key UserEdits and Effective use.
func (p *ScoredPayload) FinalResults() []grading.ConfirmedResult {
	out := make([]grading.ConfirmedResult, len(p.Results))
	for i := range p.Results {
		out[i] = grading.ConfirmedResult{Index: i, Correct: p.Effective(i)}
	}
	return out
}

func (p *ScoredPayload) clone() *ScoredPayload {
	if p == nil {
		return nil
	}
	c := *p
	c.Results = slices.Clone(p.Results)
	c.UserEdits = maps.Clone(p.UserEdits)
	if c.UserEdits == nil {
		c.UserEdits = make(map[int]bool)
	}
	return &c
}

// PendingReviewItem is a graded submission awaiting human confirmation.
// Exactly one of Scored and Neatness is set, selected by HomeworkType.
type PendingReviewItem struct {
	ID                 string          `json:"id"`
	SubmissionID       int64           `json:"submissionId"`
	HomeworkType       grading.Subject `json:"homeworkType"`
	HomeworkRecordID   int64           `json:"homeworkRecordId,omitempty"`
	HomeworkDate       string          `json:"homeworkDate,omitempty"`
	OriginalFileName   string          `json:"originalFileName,omitempty"`
	OriginalPreviewURL string          `json:"originalPreviewUrl,omitempty"`
	ImagePath          string          `json:"imagePath,omitempty"`
	BatchID            string          `json:"batchId,omitempty"`

	Scored   *ScoredPayload          `json:"scored,omitempty"`
	Neatness *grading.NeatnessResult `json:"neatness,omitempty"`
}

// Valid reports whether the payload matches the homework type.
func (it *PendingReviewItem) Valid() bool {
	if it.HomeworkType.UsesNeatness() {
		return it.Neatness != nil && it.Scored == nil
	}
	return it.Scored != nil && it.Neatness == nil
}

// Clone returns a deep copy.
func (it PendingReviewItem) Clone() PendingReviewItem {
	c := it
	c.Scored = it.Scored.clone()
	if it.Neatness != nil {
		n := *it.Neatness
		n.Chars = slices.Clone(it.Neatness.Chars)
		c.Neatness = &n
	}
	return c
}

// Snapshot is a deep copy of all four collections.
type Snapshot struct {
	Uploads    []QueueEntry        `json:"uploads"`
	NeedsType  []NeedsTypeEntry    `json:"needsType"`
	Processing []ProcessingEntry   `json:"processing"`
	Reviews    []PendingReviewItem `json:"reviews"`
	BatchID    string              `json:"batchId"`
}

package grading

import "strings"

// Subject is the homework subject type. It selects the grading algorithm on
// the server and the review payload shape on the client.
type Subject string

const (
	SubjectMath    Subject = "math"
	SubjectEnglish Subject = "english"
	SubjectChinese Subject = "chinese"

	// SubjectAuto means the server should detect the subject from the artifact.
	SubjectAuto Subject = "auto"
)

// ParseSubject normalizes a user-supplied subject name.
func ParseSubject(s string) (Subject, bool) {
	switch Subject(strings.ToLower(strings.TrimSpace(s))) {
	case SubjectMath:
		return SubjectMath, true
	case SubjectEnglish:
		return SubjectEnglish, true
	case SubjectChinese:
		return SubjectChinese, true
	case SubjectAuto, "":
		return SubjectAuto, true
	}
	return "", false
}

// Explicit reports whether s is one of the three concrete subjects.
func (s Subject) Explicit() bool {
	return s == SubjectMath || s == SubjectEnglish || s == SubjectChinese
}

// UsesNeatness reports whether submissions of this subject are graded for
// handwriting neatness rather than answer correctness.
func (s Subject) UsesNeatness() bool {
	return s == SubjectChinese
}

// JobStatus is the server-side status of an asynchronous grading job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusGraded     JobStatus = "graded"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further status change is expected.
func (s JobStatus) Terminal() bool {
	return s == StatusGraded || s == StatusFailed
}

// PassThreshold is the neatness average score at or above which a
// handwriting submission passes.
const PassThreshold = 60.0

// Passed applies PassThreshold to an average neatness score.
func Passed(averageScore float64) bool {
	return averageScore >= PassThreshold
}

// GradingModeNeatness is the grading_mode marker for handwriting grading.
const GradingModeNeatness = "neatness"

// ScoredItem is one graded answer of a correctness-based submission.
//
// Index is informational; results are addressed by their position in the
// list, which is also the index sent on confirmation.
type ScoredItem struct {
	Index         int     `json:"index"`
	Question      string  `json:"question,omitempty"`
	StudentAnswer string  `json:"student_answer,omitempty"`
	CorrectAnswer string  `json:"correct_answer,omitempty"`
	Correct       bool    `json:"correct"`
	Explanation   string  `json:"explanation,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`

	// WordIndex is only set by dictation-style (english) grading.
	WordIndex *int `json:"word_index,omitempty"`
}

// NeatnessChar is the score of a single handwritten character.
type NeatnessChar struct {
	Char    string  `json:"char"`
	Score   float64 `json:"score"`
	Comment string  `json:"comment,omitempty"`
}

// NeatnessResult is the handwriting-neatness grading detail.
type NeatnessResult struct {
	AverageScore    float64        `json:"average_score"`
	Chars           []NeatnessChar `json:"chars"`
	OverallFeedback string         `json:"overall_feedback"`
	Confidence      float64        `json:"confidence"`
	Passed          bool           `json:"passed"`
}

// NeatnessDetail is the neatness_result object of a submission as the
// server sends it. Passed is nil when the server gave no verdict.
type NeatnessDetail struct {
	AverageScore    float64        `json:"average_score"`
	Chars           []NeatnessChar `json:"chars,omitempty"`
	OverallFeedback string         `json:"overall_feedback,omitempty"`
	Confidence      float64        `json:"confidence"`
	Passed          *bool          `json:"passed,omitempty"`
}

// Result converts the detail, falling back to the score threshold when the
// server gave no verdict.
func (d *NeatnessDetail) Result() NeatnessResult {
	return neatnessResult(d.AverageScore, d.Chars, d.OverallFeedback, d.Confidence, d.Passed)
}

// SubmissionResult is the response of GET /grade/submissions/{id}.
// Results and totals are only populated once Status is graded.
type SubmissionResult struct {
	SubmissionID      int64        `json:"submission_id"`
	Status            JobStatus    `json:"status"`
	HomeworkType      Subject      `json:"homework_type,omitempty"`
	GradingMode       string       `json:"grading_mode,omitempty"`
	Results           []ScoredItem `json:"results,omitempty"`
	TotalCorrect      int          `json:"total_correct"`
	TotalWrong        int          `json:"total_wrong"`
	Confidence        float64      `json:"confidence"`
	AnnotatedImageURL string       `json:"annotated_image_url,omitempty"`
	ImagePath         string       `json:"image_path,omitempty"`
	HomeworkRecordID  int64        `json:"homework_record_id,omitempty"`
	HomeworkDate      string       `json:"homework_date,omitempty"`
	ErrorMessage      string       `json:"error_message,omitempty"`

	NeatnessScore  *float64        `json:"neatness_score,omitempty"`
	NeatnessResult *NeatnessDetail `json:"neatness_result,omitempty"`
}

// NeatnessStatus is the response of GET /grade/submissions/{id}/neatness.
type NeatnessStatus struct {
	SubmissionID     int64          `json:"submission_id"`
	Status           JobStatus      `json:"status"`
	AverageScore     float64        `json:"average_score"`
	Chars            []NeatnessChar `json:"chars,omitempty"`
	OverallFeedback  string         `json:"overall_feedback,omitempty"`
	Confidence       float64        `json:"confidence"`
	Passed           *bool          `json:"passed,omitempty"`
	ImagePath        string         `json:"image_path,omitempty"`
	HomeworkRecordID int64          `json:"homework_record_id,omitempty"`
	HomeworkDate     string         `json:"homework_date,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
}

// Result converts the status into the neatness detail. An explicit server
// verdict wins over the threshold, since it reflects a manual override.
func (n *NeatnessStatus) Result() NeatnessResult {
	return neatnessResult(n.AverageScore, n.Chars, n.OverallFeedback, n.Confidence, n.Passed)
}

func neatnessResult(score float64, chars []NeatnessChar, feedback string, confidence float64, verdict *bool) NeatnessResult {
	passed := Passed(score)
	if verdict != nil {
		passed = *verdict
	}
	return NeatnessResult{
		AverageScore:    score,
		Chars:           chars,
		OverallFeedback: feedback,
		Confidence:      confidence,
		Passed:          passed,
	}
}

// BatchResult is the data of a smart-grade-batch response.
type BatchResult struct {
	SubmissionIDs []int64  `json:"submission_ids"`
	TotalSuccess  int      `json:"total_success"`
	TotalFailed   int      `json:"total_failed"`
	FailedFiles   []string `json:"failed_files"`

	// NeedsTypeFiles names files whose subject the server could not detect.
	NeedsTypeFiles []string `json:"needs_type_files,omitempty"`
}

// ConfirmedResult is the final correctness of one scored item.
type ConfirmedResult struct {
	Index   int  `json:"index"`
	Correct bool `json:"correct"`
}

// PendingSubmission is one entry of the unconfirmed-submissions list used to
// hydrate local state.
type PendingSubmission struct {
	SubmissionResult
	OriginalFileName string `json:"original_file_name,omitempty"`
	OriginalImageURL string `json:"original_image_url,omitempty"`
	BatchID          string `json:"batch_id,omitempty"`
}

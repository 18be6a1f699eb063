package upload

import "github.com/fpang/grading-queue/internal/grading"

// outcomeKind is what happened to one file of a batch.
type outcomeKind int

const (
	outcomeSubmitted outcomeKind = iota
	outcomeFailed
	outcomeNeedsType
)

// MessageNoSubmissionID marks files the server accepted without returning an
// id for them.
const MessageNoSubmissionID = "no submission id returned"

// MessageRejected marks files the server listed in failed_files.
const MessageRejected = "rejected by grading service"

type outcome struct {
	kind         outcomeKind
	submissionID int64
	message      string
}

// correlate maps a batch response back onto the uploaded file names, in
// upload order. Files named in needs_type_files wait for a subject, files
// named in failed_files fail, and the remaining files take the returned
// submission ids in order. Files left over once the ids run out fail.
func correlate(names []string, res *grading.BatchResult) []outcome {
	needsType := make(map[string]bool, len(res.NeedsTypeFiles))
	for _, n := range res.NeedsTypeFiles {
		needsType[n] = true
	}
	failed := make(map[string]bool, len(res.FailedFiles))
	for _, n := range res.FailedFiles {
		failed[n] = true
	}

	out := make([]outcome, len(names))
	next := 0
	for i, name := range names {
		switch {
		case needsType[name]:
			out[i] = outcome{kind: outcomeNeedsType}
		case failed[name]:
			out[i] = outcome{kind: outcomeFailed, message: MessageRejected}
		case next < len(res.SubmissionIDs):
			out[i] = outcome{kind: outcomeSubmitted, submissionID: res.SubmissionIDs[next]}
			next++
		default:
			out[i] = outcome{kind: outcomeFailed, message: MessageNoSubmissionID}
		}
	}
	return out
}

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fpang/grading-queue/internal/queue"
	"github.com/fpang/grading-queue/internal/review"
	"github.com/fpang/grading-queue/internal/upload"
)

const rule = "--------------------------------------------"

// FormatDurationShort formats a duration in a short format (M:SS or H:MM:SS).
func FormatDurationShort(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// PrintUploadSummary prints the outcome of one batch, including the files
// that failed or still need a subject.
func PrintUploadSummary(w io.Writer, sum upload.Summary, snap queue.Snapshot) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Upload")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Accepted:    %d\n", sum.Success)
	fmt.Fprintf(w, "Needs type:  %d\n", sum.NeedsType)
	fmt.Fprintf(w, "Failed:      %d\n", sum.Failed)

	for _, e := range snap.Uploads {
		if e.Status == queue.UploadFailed {
			fmt.Fprintf(w, "   FAILED: %s - %s\n", e.File.Name, e.Error)
		}
	}
	for _, e := range snap.NeedsType {
		fmt.Fprintf(w, "   NEEDS TYPE: %s (id %s)\n", e.File.Name, e.ID)
	}
	fmt.Fprintln(w)
}

// PrintProcessing prints submissions still being graded.
func PrintProcessing(w io.Writer, entries []queue.ProcessingEntry, now time.Time) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "GRADING (%d)\n", len(entries))
	fmt.Fprintln(w, rule)
	for _, e := range entries {
		fmt.Fprintf(w, "   #%-8d %-28s %-10s %s\n",
			e.SubmissionID, name(e.OriginalFileName), e.Status, FormatDurationShort(now.Sub(e.StartedAt)))
	}
	fmt.Fprintln(w)
}

// PrintReviews prints the pending-review list with effective tallies.
func PrintReviews(w io.Writer, items []queue.PendingReviewItem) {
	fmt.Fprintf(w, "PENDING REVIEW (%d)\n", len(items))
	fmt.Fprintln(w, rule)
	if len(items) == 0 {
		fmt.Fprintln(w, "   (none)")
		fmt.Fprintln(w)
		return
	}
	for i, it := range items {
		fmt.Fprintf(w, "%3d. #%-8d %-8s %-28s %s\n",
			i+1, it.SubmissionID, it.HomeworkType, name(it.OriginalFileName), review.Describe(it))
		if it.Scored != nil && len(it.Scored.UserEdits) > 0 {
			fmt.Fprintf(w, "       %d local edit(s)\n", len(it.Scored.UserEdits))
		}
	}
	fmt.Fprintln(w)
}

// PrintReview prints one item with every result, marking local edits.
func PrintReview(w io.Writer, it queue.PendingReviewItem) {
	fmt.Fprintf(w, "#%d %s %s\n", it.SubmissionID, it.HomeworkType, name(it.OriginalFileName))
	fmt.Fprintf(w, "   review id: %s\n", it.ID)
	if it.HomeworkDate != "" {
		fmt.Fprintf(w, "   date:      %s\n", it.HomeworkDate)
	}
	fmt.Fprintf(w, "   result:    %s\n", review.Describe(it))
	if it.Scored == nil {
		return
	}
	for i, r := range it.Scored.Results {
		mark := "✗"
		if it.Scored.Effective(i) {
			mark = "✓"
		}
		edited := ""
		if _, ok := it.Scored.UserEdits[i]; ok {
			edited = " (edited)"
		}
		q := strings.TrimSpace(r.Question)
		if q == "" {
			q = r.StudentAnswer
		}
		fmt.Fprintf(w, "   %3d %s %s%s\n", i, mark, q, edited)
	}
}

// PrintBulkResult prints a confirm-all outcome.
func PrintBulkResult(w io.Writer, res review.BulkResult) {
	fmt.Fprintf(w, "Confirmed %d item(s)", len(res.Confirmed))
	if len(res.Failed) > 0 {
		fmt.Fprintf(w, ", %d failed", len(res.Failed))
	}
	fmt.Fprintln(w)
}

func name(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

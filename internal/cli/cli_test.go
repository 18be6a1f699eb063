package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/queue"
	"github.com/fpang/grading-queue/internal/review"
)

func TestFormatDurationShort(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00"},
		{65 * time.Second, "1:05"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
	}
	for _, tt := range tests {
		if got := FormatDurationShort(tt.d); got != tt.want {
			t.Errorf("FormatDurationShort(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestResolveReview(t *testing.T) {
	store := queue.New()
	store.AddToPendingReviews(queue.PendingReviewItem{
		ID:           "rev-1",
		SubmissionID: 42,
		HomeworkType: grading.SubjectMath,
		Scored:       &queue.ScoredPayload{},
	})

	for _, arg := range []string{"rev-1", "42", "#42", " 42 "} {
		item, err := ResolveReview(store, arg)
		if err != nil || item.SubmissionID != 42 {
			t.Errorf("ResolveReview(%q) = %+v, %v", arg, item, err)
		}
	}
	if _, err := ResolveReview(store, "43"); !errors.Is(err, review.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestParsers(t *testing.T) {
	if s, err := ParseExplicitSubject("English"); err != nil || s != grading.SubjectEnglish {
		t.Errorf("unexpected subject %q, %v", s, err)
	}
	if _, err := ParseExplicitSubject("auto"); !errors.Is(err, review.ErrInvalidSubject) {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}

	if v, err := ParseVerdict("PASS"); err != nil || !v {
		t.Errorf("unexpected verdict %v, %v", v, err)
	}
	if _, err := ParseVerdict("maybe"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}

	for in, want := range map[string]bool{"true": true, "wrong": false, "y": true, "0": false} {
		if got, err := ParseCorrectness(in); err != nil || got != want {
			t.Errorf("ParseCorrectness(%q) = %v, %v", in, got, err)
		}
	}
}

func TestConfirm(t *testing.T) {
	var out bytes.Buffer
	if !Confirm(strings.NewReader("yes\n"), &out, "Delete?") {
		t.Error("expected yes")
	}
	if Confirm(strings.NewReader("\n"), &out, "Delete?") {
		t.Error("expected empty answer to be no")
	}
	if Confirm(strings.NewReader(""), &out, "Delete?") {
		t.Error("expected EOF to be no")
	}
	if !strings.Contains(out.String(), "Delete? (y/N)") {
		t.Errorf("unexpected prompt %q", out.String())
	}
}

func TestPromptForPaths(t *testing.T) {
	var out bytes.Buffer
	got := PromptForPaths(strings.NewReader("a.jpg  scans/\n"), &out)
	if len(got) != 2 || got[0] != "a.jpg" || got[1] != "scans/" {
		t.Errorf("unexpected paths %v", got)
	}
}

func TestPrintReviews(t *testing.T) {
	var out bytes.Buffer
	PrintReviews(&out, []queue.PendingReviewItem{{
		SubmissionID:     7,
		HomeworkType:     grading.SubjectMath,
		OriginalFileName: "page.jpg",
		Scored: &queue.ScoredPayload{
			Results:   []grading.ScoredItem{{Correct: true}, {Correct: false}},
			UserEdits: map[int]bool{1: true},
		},
	}})
	s := out.String()
	for _, want := range []string{"PENDING REVIEW (1)", "page.jpg", "2 correct, 0 wrong", "1 local edit"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
}

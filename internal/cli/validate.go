package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/queue"
	"github.com/fpang/grading-queue/internal/review"
)

// ErrInvalidArgument is returned for command arguments that cannot be parsed.
var ErrInvalidArgument = errors.New("invalid argument")

// ResolveReview finds a pending review by review id, or by submission id
// (with or without a leading #).
func ResolveReview(store *queue.Store, arg string) (queue.PendingReviewItem, error) {
	arg = strings.TrimSpace(arg)
	if item, ok := store.GetPendingReview(arg); ok {
		return item, nil
	}
	if id, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64); err == nil {
		if item, ok := store.PendingBySubmission(id); ok {
			return item, nil
		}
	}
	return queue.PendingReviewItem{}, fmt.Errorf("%s: %w", arg, review.ErrNotFound)
}

// ParseExplicitSubject accepts math, english or chinese.
func ParseExplicitSubject(s string) (grading.Subject, error) {
	subject, ok := grading.ParseSubject(s)
	if !ok || !subject.Explicit() {
		return "", fmt.Errorf("subject %q: %w", s, review.ErrInvalidSubject)
	}
	return subject, nil
}

// ParseVerdict accepts pass or fail.
func ParseVerdict(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass", "passed":
		return true, nil
	case "fail", "failed":
		return false, nil
	}
	return false, fmt.Errorf("verdict %q must be pass or fail: %w", s, ErrInvalidArgument)
}

// ParseCorrectness accepts true/false and their common spellings.
func ParseCorrectness(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "correct", "right", "y", "yes":
		return true, nil
	case "wrong", "n", "no":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("correctness %q: %w", s, ErrInvalidArgument)
	}
	return b, nil
}

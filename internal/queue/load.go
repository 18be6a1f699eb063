package queue

import (
	"maps"
	"slices"

	"github.com/rs/zerolog/log"
)

// LoadFromServer merges the server's unconfirmed submissions into the store,
// keyed by submission id:
//
//   - a graded submission already pending review is refreshed in place; its
//     local id and any user edits still inside the result range are kept
//   - a graded submission still in the processing queue is promoted
//   - an in-flight submission already processing gets the server's status
//     and, when the server classified it, the server's subject
//   - an in-flight submission pending review is moved back to processing
//     (it was retyped or re-graded elsewhere)
//   - anything else is added
//
// Local items the server did not mention are left alone; they may belong to
// a batch the server has not listed yet.
func (s *Store) LoadFromServer(reviews []PendingReviewItem, processing []ProcessingEntry) {
	s.mu.Lock()
	processingChanged := false

	for _, item := range reviews {
		item = item.Clone()
		if item.ID == "" {
			item.ID = newID()
		}
		if item.Scored != nil && item.Scored.UserEdits == nil {
			item.Scored.UserEdits = make(map[int]bool)
		}

		if i := s.reviewIndexBySubmission(item.SubmissionID); i >= 0 {
			s.reviews[i] = mergeReview(s.reviews[i], item)
			continue
		}
		if i := s.processingIndexBySubmission(item.SubmissionID); i >= 0 {
			local := s.processing[i]
			if item.OriginalFileName == "" {
				item.OriginalFileName = local.OriginalFileName
			}
			if item.OriginalPreviewURL == "" {
				item.OriginalPreviewURL = local.OriginalPreviewURL
			}
			if item.BatchID == "" {
				item.BatchID = local.BatchID
			}
			s.processing = slices.Delete(s.processing, i, i+1)
			processingChanged = true
		}
		s.reviews = append(s.reviews, item)
	}

	for _, e := range processing {
		if e.ID == "" {
			e.ID = newID()
		}
		if e.StartedAt.IsZero() {
			e.StartedAt = s.now()
		}
		if i := s.processingIndexBySubmission(e.SubmissionID); i >= 0 {
			s.processing[i].Status = e.Status
			if e.HomeworkType.Explicit() && e.HomeworkType != s.processing[i].HomeworkType {
				// The subject picks the poll group, so listeners must re-sync.
				s.processing[i].HomeworkType = e.HomeworkType
				processingChanged = true
			}
			continue
		}
		if i := s.reviewIndexBySubmission(e.SubmissionID); i >= 0 {
			log.Debug().Int64("submissionId", e.SubmissionID).Msg("Submission is being re-graded, moving back to processing")
			s.reviews = slices.Delete(s.reviews, i, i+1)
		}
		s.processing = append(s.processing, e)
		processingChanged = true
	}
	s.mu.Unlock()

	if processingChanged {
		s.notify()
	}
}

// mergeReview replaces local with the server's view while keeping the local
// identity and valid user edits.
func mergeReview(local, server PendingReviewItem) PendingReviewItem {
	server.ID = local.ID
	if server.OriginalFileName == "" {
		server.OriginalFileName = local.OriginalFileName
	}
	if server.OriginalPreviewURL == "" {
		server.OriginalPreviewURL = local.OriginalPreviewURL
	}
	if server.BatchID == "" {
		server.BatchID = local.BatchID
	}
	if server.Scored != nil && local.Scored != nil {
		edits := maps.Clone(local.Scored.UserEdits)
		if edits == nil {
			edits = make(map[int]bool)
		}
		maps.DeleteFunc(edits, func(i int, _ bool) bool { return i < 0 || i >= len(server.Scored.Results) })
		maps.Copy(edits, server.Scored.UserEdits)
		server.Scored.UserEdits = edits
	}
	return server
}

package queue

import (
	"encoding/json"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/media"
)

func testFiles(names ...string) []*media.File {
	files := make([]*media.File, len(names))
	for i, n := range names {
		files[i] = &media.File{Path: "/tmp/hw/" + n, Name: n, MIMEType: "image/jpeg"}
	}
	return files
}

func scoredItem(submissionID int64, correct ...bool) PendingReviewItem {
	results := make([]grading.ScoredItem, len(correct))
	for i, c := range correct {
		results[i] = grading.ScoredItem{Correct: c}
	}
	return PendingReviewItem{
		SubmissionID: submissionID,
		HomeworkType: grading.SubjectMath,
		Scored:       &ScoredPayload{Results: results},
	}
}

func TestAddToUploadQueue(t *testing.T) {
	s := New()
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	first := s.AddToUploadQueue(testFiles("a.jpg", "b.jpg"), "")
	if len(first) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(first))
	}
	for _, e := range first {
		if e.Status != UploadQueued {
			t.Errorf("expected queued, got %s", e.Status)
		}
		if e.AssignedType != grading.SubjectAuto {
			t.Errorf("expected auto type, got %s", e.AssignedType)
		}
		if e.PreviewURL != "file://"+e.File.Path {
			t.Errorf("unexpected preview URL %q", e.PreviewURL)
		}
		if e.BatchID != s.CurrentBatchID() {
			t.Errorf("expected batch %s, got %s", s.CurrentBatchID(), e.BatchID)
		}
	}
	if first[0].ID == first[1].ID {
		t.Error("expected distinct entry ids")
	}

	second := s.AddToUploadQueue(testFiles("c.jpg"), grading.SubjectEnglish)
	if second[0].BatchID == first[0].BatchID {
		t.Error("expected a new batch id per call")
	}
	if second[0].AssignedType != grading.SubjectEnglish {
		t.Errorf("expected english, got %s", second[0].AssignedType)
	}
	if got := len(s.Snapshot().Uploads); got != 3 {
		t.Errorf("expected 3 uploads, got %d", got)
	}
}

func TestUpdateUploadStatusKeepsErrorOnlyWhenFailed(t *testing.T) {
	s := New()
	e := s.AddToUploadQueue(testFiles("a.jpg"), grading.SubjectMath)[0]

	s.UpdateUploadStatus(e.ID, UploadFailed, "boom")
	got, _ := s.UploadEntry(e.ID)
	if got.Status != UploadFailed || got.Error != "boom" {
		t.Errorf("unexpected entry %+v", got)
	}

	s.UpdateUploadStatus(e.ID, UploadUploading, "ignored")
	got, _ = s.UploadEntry(e.ID)
	if got.Status != UploadUploading || got.Error != "" {
		t.Errorf("unexpected entry %+v", got)
	}
}

func TestUnknownIDsAreNoOps(t *testing.T) {
	s := New()
	s.AddToUploadQueue(testFiles("a.jpg"), grading.SubjectMath)
	s.AddToProcessingQueue(ProcessingEntry{SubmissionID: 1})
	s.AddToPendingReviews(scoredItem(2, true))
	before := s.Snapshot()

	s.UpdateUploadStatus("missing", UploadFailed, "x")
	s.RemoveFromUploadQueue("missing")
	s.SetPreviewURL("missing", "https://example.com")
	s.RemoveFromNeedsType("missing")
	s.UpdateProcessingStatus("missing", grading.StatusGraded)
	s.RemoveFromProcessingQueue("missing")
	s.RemoveFromPendingReviews("missing")
	s.UpdateUserEdit("missing", 0, false)
	s.ClearUserEdit("missing", 0)

	after := s.Snapshot()
	if len(after.Uploads) != len(before.Uploads) ||
		len(after.Processing) != len(before.Processing) ||
		len(after.Reviews) != len(before.Reviews) {
		t.Errorf("expected no change, before=%+v after=%+v", before, after)
	}
	if after.Processing[0].Status != grading.StatusPending {
		t.Errorf("expected status untouched, got %s", after.Processing[0].Status)
	}
}

func TestProcessingQueueNotifiesListeners(t *testing.T) {
	s := New()
	var calls atomic.Int32
	unsubscribe := s.Subscribe(func() {
		// Listeners run outside the lock and may read the store.
		_ = s.Processing()
		calls.Add(1)
	})

	s.AddToProcessingQueue(ProcessingEntry{ID: "p1", SubmissionID: 101})
	s.AddToProcessingQueue(ProcessingEntry{ID: "dup", SubmissionID: 101})
	s.UpdateProcessingStatus("p1", grading.StatusProcessing)
	s.RemoveFromProcessingQueue("p1")
	s.RemoveFromProcessingQueue("p1")

	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 notifications (add, remove), got %d", got)
	}

	unsubscribe()
	s.AddToProcessingQueue(ProcessingEntry{SubmissionID: 102})
	if got := calls.Load(); got != 2 {
		t.Errorf("expected no notification after unsubscribe, got %d", got)
	}
}

func TestAddToProcessingQueueDefaults(t *testing.T) {
	s := New()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.AddToProcessingQueue(ProcessingEntry{SubmissionID: 7})
	e, ok := s.ProcessingBySubmission(7)
	if !ok {
		t.Fatal("expected entry for submission 7")
	}
	if e.ID == "" || e.Status != grading.StatusPending || !e.StartedAt.Equal(now) {
		t.Errorf("unexpected defaults %+v", e)
	}
}

func TestUserEditsNeverMutateResults(t *testing.T) {
	s := New()
	s.AddToPendingReviews(scoredItem(101, true, false))
	id := s.PendingReviews()[0].ID

	s.UpdateUserEdit(id, 1, true)
	s.UpdateUserEdit(id, 5, false) // out of range
	s.UpdateUserEdit(id, -1, false)

	item, _ := s.GetPendingReview(id)
	if item.Scored.Results[1].Correct {
		t.Error("server result must not change")
	}
	if len(item.Scored.UserEdits) != 1 || !item.Scored.UserEdits[1] {
		t.Errorf("unexpected edits %v", item.Scored.UserEdits)
	}

	correct, wrong := item.Scored.Tally()
	if correct != 2 || wrong != 0 {
		t.Errorf("expected tally 2/0, got %d/%d", correct, wrong)
	}

	s.ClearUserEdit(id, 1)
	item, _ = s.GetPendingReview(id)
	if correct, wrong := item.Scored.Tally(); correct != 1 || wrong != 1 {
		t.Errorf("expected tally 1/1 after clearing edit, got %d/%d", correct, wrong)
	}
}

func TestMergeRuleConsistentAcrossViews(t *testing.T) {
	results := []grading.ScoredItem{
		{Index: 0, Correct: true},
		{Index: 1, Correct: false},
		{Index: 2, Correct: true},
		{Index: 3, Correct: false},
	}
	edits := []map[int]bool{
		{},
		{1: true},
		{0: false, 3: true},
		{0: false, 1: true, 2: false, 3: true},
		{2: true},
	}

	for _, e := range edits {
		p := &ScoredPayload{Results: results, UserEdits: e}
		final := p.FinalResults()
		var wantCorrect int
		for i, r := range results {
			want := r.Correct
			if v, ok := e[i]; ok {
				want = v
			}
			if p.Effective(i) != want {
				t.Errorf("edits %v index %d: expected effective %v", e, i, want)
			}
			if final[i].Correct != want || final[i].Index != r.Index {
				t.Errorf("edits %v index %d: unexpected confirmation entry %+v", e, i, final[i])
			}
			if want {
				wantCorrect++
			}
		}
		correct, wrong := p.Tally()
		if correct != wantCorrect || wrong != len(results)-wantCorrect {
			t.Errorf("edits %v: tally %d/%d, expected %d/%d", e, correct, wrong, wantCorrect, len(results)-wantCorrect)
		}
	}
}

func TestFinalResultsKeyedByPosition(t *testing.T) {
	var results []grading.ScoredItem
	if err := json.Unmarshal([]byte(`[{"correct":true},{"correct":false}]`), &results); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p := &ScoredPayload{Results: results, UserEdits: map[int]bool{1: true}}

	want := []grading.ConfirmedResult{{Index: 0, Correct: true}, {Index: 1, Correct: true}}
	if got := p.FinalResults(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestTallyFallsBackToServerTotals(t *testing.T) {
	p := &ScoredPayload{TotalCorrect: 4, TotalWrong: 1}
	if c, w := p.Tally(); c != 4 || w != 1 {
		t.Errorf("expected 4/1, got %d/%d", c, w)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := New()
	s.AddToPendingReviews(scoredItem(1, true))
	item := s.PendingReviews()[0]
	item.Scored.UserEdits[0] = false
	item.Scored.Results[0].Correct = false

	fresh, _ := s.GetPendingReview(item.ID)
	if len(fresh.Scored.UserEdits) != 0 || !fresh.Scored.Results[0].Correct {
		t.Error("mutating a returned item must not change the store")
	}
}

func TestAddToPendingReviewsAppendsAndDedupes(t *testing.T) {
	s := New()
	s.AddToPendingReviews(scoredItem(1, true))
	s.AddToPendingReviews(scoredItem(2, true))
	s.AddToPendingReviews(scoredItem(1, false))

	items := s.PendingReviews()
	if len(items) != 2 || items[0].SubmissionID != 1 || items[1].SubmissionID != 2 {
		t.Errorf("unexpected items %+v", items)
	}

	s.ClearPendingReviews()
	if len(s.PendingReviews()) != 0 {
		t.Error("expected empty list after clear")
	}
}

func TestNeedsTypeQueue(t *testing.T) {
	s := New()
	f := testFiles("x.jpg")[0]
	s.AddToNeedsType(NeedsTypeEntry{ID: "n1", File: f})
	s.AddToNeedsType(NeedsTypeEntry{ID: "n1", File: f})
	if got := len(s.Snapshot().NeedsType); got != 1 {
		t.Fatalf("expected 1 needs-type entry, got %d", got)
	}

	e, ok := s.TakeNeedsType("n1")
	if !ok || e.File != f {
		t.Fatalf("unexpected take result %+v %v", e, ok)
	}
	if _, ok := s.TakeNeedsType("n1"); ok {
		t.Error("expected entry to be gone")
	}
}

func TestLoadFromServerNoDuplicates(t *testing.T) {
	s := New()
	reviews := []PendingReviewItem{scoredItem(1, true, false), scoredItem(2, false)}
	processing := []ProcessingEntry{{SubmissionID: 3, Status: grading.StatusProcessing}}

	s.LoadFromServer(reviews, processing)
	s.LoadFromServer(reviews, processing)

	snap := s.Snapshot()
	if len(snap.Reviews) != 2 {
		t.Errorf("expected 2 reviews, got %d", len(snap.Reviews))
	}
	if len(snap.Processing) != 1 {
		t.Errorf("expected 1 processing entry, got %d", len(snap.Processing))
	}
}

func TestLoadFromServerKeepsLocalEdits(t *testing.T) {
	s := New()
	s.AddToPendingReviews(scoredItem(1, true, false, false))
	local := s.PendingReviews()[0]
	s.UpdateUserEdit(local.ID, 1, true)
	s.UpdateUserEdit(local.ID, 2, true)

	// Re-graded with fewer answers: the edit at index 2 no longer applies.
	s.LoadFromServer([]PendingReviewItem{scoredItem(1, true, false)}, nil)

	item, ok := s.PendingBySubmission(1)
	if !ok {
		t.Fatal("expected submission 1 pending")
	}
	if item.ID != local.ID {
		t.Errorf("expected local id %s to be kept, got %s", local.ID, item.ID)
	}
	if len(item.Scored.Results) != 2 {
		t.Errorf("expected server results to replace local, got %d", len(item.Scored.Results))
	}
	if len(item.Scored.UserEdits) != 1 || !item.Scored.UserEdits[1] {
		t.Errorf("unexpected edits %v", item.Scored.UserEdits)
	}
}

func TestLoadFromServerPromotesAndRequeues(t *testing.T) {
	s := New()
	s.AddToProcessingQueue(ProcessingEntry{SubmissionID: 10, OriginalFileName: "a.jpg", BatchID: "b1"})
	s.AddToProcessingQueue(ProcessingEntry{SubmissionID: 11, Status: grading.StatusPending})
	s.AddToPendingReviews(scoredItem(12, true))

	s.LoadFromServer(
		[]PendingReviewItem{scoredItem(10, true)},
		[]ProcessingEntry{
			{SubmissionID: 11, Status: grading.StatusProcessing},
			{SubmissionID: 12, Status: grading.StatusPending, HomeworkType: grading.SubjectEnglish},
		},
	)

	if _, ok := s.ProcessingBySubmission(10); ok {
		t.Error("graded submission should leave the processing queue")
	}
	promoted, ok := s.PendingBySubmission(10)
	if !ok || promoted.OriginalFileName != "a.jpg" || promoted.BatchID != "b1" {
		t.Errorf("expected promoted review to keep local details, got %+v", promoted)
	}

	e, _ := s.ProcessingBySubmission(11)
	if e.Status != grading.StatusProcessing {
		t.Errorf("expected status update, got %s", e.Status)
	}

	if _, ok := s.PendingBySubmission(12); ok {
		t.Error("re-graded submission should leave pending review")
	}
	if e, ok := s.ProcessingBySubmission(12); !ok || e.HomeworkType != grading.SubjectEnglish {
		t.Errorf("expected re-graded submission to be processing, got %+v", e)
	}
}

func TestLoadFromServerNotifiesOnReclassification(t *testing.T) {
	s := New()
	s.AddToProcessingQueue(ProcessingEntry{SubmissionID: 7, HomeworkType: grading.SubjectAuto})

	var calls atomic.Int32
	s.Subscribe(func() { calls.Add(1) })

	s.LoadFromServer(nil, []ProcessingEntry{{SubmissionID: 7, Status: grading.StatusProcessing, HomeworkType: grading.SubjectAuto}})
	if got := calls.Load(); got != 0 {
		t.Errorf("expected no notification for a status-only update, got %d", got)
	}

	s.LoadFromServer(nil, []ProcessingEntry{{SubmissionID: 7, Status: grading.StatusProcessing, HomeworkType: grading.SubjectChinese}})
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 notification after the subject changed, got %d", got)
	}
	if e, _ := s.ProcessingBySubmission(7); e.HomeworkType != grading.SubjectChinese {
		t.Errorf("expected server subject, got %s", e.HomeworkType)
	}
}

func TestSnapshotPersistsEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "queue.zst")

	s := New()
	s.AddToPendingReviews(scoredItem(1, true, false))
	s.AddToProcessingQueue(ProcessingEntry{SubmissionID: 2, HomeworkType: grading.SubjectChinese})
	id := s.PendingReviews()[0].ID
	s.UpdateUserEdit(id, 1, true)

	if err := s.SaveSnapshot(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := New()
	if err := restored.LoadSnapshot(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	item, ok := restored.GetPendingReview(id)
	if !ok {
		t.Fatal("expected review to be restored with its id")
	}
	if !item.Scored.UserEdits[1] {
		t.Errorf("expected edit to survive, got %v", item.Scored.UserEdits)
	}
	if e, ok := restored.ProcessingBySubmission(2); !ok || e.HomeworkType != grading.SubjectChinese {
		t.Errorf("expected processing entry to be restored, got %+v", e)
	}
	if restored.CurrentBatchID() != s.CurrentBatchID() {
		t.Errorf("expected batch id %q, got %q", s.CurrentBatchID(), restored.CurrentBatchID())
	}
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	s := New()
	if err := s.LoadSnapshot(filepath.Join(t.TempDir(), "missing.zst")); err != nil {
		t.Errorf("expected missing file to be ignored, got %v", err)
	}
}

func TestMoveToProcessingKeepsQueuesDisjoint(t *testing.T) {
	s := New()
	e := s.AddToUploadQueue(testFiles("a.jpg"), grading.SubjectMath)[0]

	if !s.MoveToProcessing(e.ID, ProcessingEntry{SubmissionID: 101, OriginalFileName: "a.jpg"}) {
		t.Fatal("expected move to succeed")
	}
	snap := s.Snapshot()
	if len(snap.Uploads) != 0 || len(snap.Processing) != 1 {
		t.Errorf("expected entry only in processing, got %+v", snap)
	}
	if s.MoveToProcessing(e.ID, ProcessingEntry{SubmissionID: 102}) {
		t.Error("expected second move of the same entry to fail")
	}
}

func TestMoveToNeedsType(t *testing.T) {
	s := New()
	e := s.AddToUploadQueue(testFiles("a.jpg"), "")[0]

	if !s.MoveToNeedsType(e.ID) {
		t.Fatal("expected move to succeed")
	}
	snap := s.Snapshot()
	if len(snap.Uploads) != 0 || len(snap.NeedsType) != 1 || snap.NeedsType[0].ID != e.ID {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestPromoteToReview(t *testing.T) {
	s := New()
	s.AddToProcessingQueue(ProcessingEntry{ID: "p1", SubmissionID: 101})

	if !s.PromoteToReview("p1", scoredItem(101, true, false)) {
		t.Fatal("expected promotion to succeed")
	}
	if _, ok := s.ProcessingBySubmission(101); ok {
		t.Error("expected processing entry to be removed")
	}
	if _, ok := s.PendingBySubmission(101); !ok {
		t.Error("expected review item")
	}

	// A second terminal observation for the same entry is stale.
	if s.PromoteToReview("p1", scoredItem(101, true)) {
		t.Error("expected stale promotion to be rejected")
	}
	if got := len(s.PendingReviews()); got != 1 {
		t.Errorf("expected 1 review, got %d", got)
	}
}

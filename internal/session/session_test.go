package session

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/media"
	"github.com/fpang/grading-queue/internal/poller"
	"github.com/fpang/grading-queue/internal/queue"
)

// fakeService grades every submission immediately unless it is held.
type fakeService struct {
	mu         sync.Mutex
	nextID     int64
	held       map[int64]bool
	pending    []grading.PendingSubmission
	pendingErr error
}

func newFakeService() *fakeService {
	return &fakeService{nextID: 100, held: make(map[int64]bool)}
}

func (f *fakeService) SmartGradeBatch(_ context.Context, files []grading.UploadFile, _ grading.Subject) (*grading.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &grading.BatchResult{TotalSuccess: len(files)}
	for range files {
		f.nextID++
		res.SubmissionIDs = append(res.SubmissionIDs, f.nextID)
	}
	return res, nil
}

func (f *fakeService) Submission(_ context.Context, id int64) (*grading.SubmissionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[id] {
		return &grading.SubmissionResult{SubmissionID: id, Status: grading.StatusProcessing}, nil
	}
	return &grading.SubmissionResult{
		SubmissionID: id,
		Status:       grading.StatusGraded,
		HomeworkType: grading.SubjectMath,
		Results:      []grading.ScoredItem{{Index: 0, Correct: true}, {Index: 1, Correct: false}},
	}, nil
}

func (f *fakeService) Neatness(_ context.Context, id int64) (*grading.NeatnessStatus, error) {
	return &grading.NeatnessStatus{SubmissionID: id, Status: grading.StatusGraded, AverageScore: 80}, nil
}

func (f *fakeService) PendingSubmissions(context.Context) ([]grading.PendingSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.pending), f.pendingErr
}

func (f *fakeService) Confirm(context.Context, int64, []grading.ConfirmedResult) error { return nil }
func (f *fakeService) Delete(context.Context, int64) error                             { return nil }
func (f *fakeService) ChangeType(context.Context, int64, grading.Subject) error        { return nil }
func (f *fakeService) OverrideNeatness(context.Context, int64, bool) error             { return nil }

func fastPoll() poller.Config {
	return poller.Config{Interval: 5 * time.Millisecond, RequestsPerSecond: 1000}
}

func homework(name string) *media.File {
	return &media.File{Path: "/homework/" + name, Name: name, MIMEType: "image/jpeg"}
}

func TestUploadThenWaitIdle(t *testing.T) {
	svc := newFakeService()
	s := New(context.Background(), svc, Options{Poll: fastPoll()})
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sum := s.Upload(context.Background(), []*media.File{homework("a.jpg"), homework("b.jpg")}, grading.SubjectAuto)
	if sum.Success != 2 || sum.Failed != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}

	reviews := s.Store.PendingReviews()
	if len(reviews) != 2 {
		t.Fatalf("expected 2 reviews, got %d", len(reviews))
	}
	for _, r := range reviews {
		if r.HomeworkType != grading.SubjectMath || r.Scored == nil || len(r.Scored.Results) != 2 {
			t.Errorf("unexpected review %+v", r)
		}
	}
	if len(s.Notifications.List()) == 0 {
		t.Error("expected notifications to be recorded")
	}
}

func TestWaitIdleHonoursContext(t *testing.T) {
	svc := newFakeService()
	svc.held[7] = true
	s := New(context.Background(), svc, Options{Poll: fastPoll()})
	defer s.Close()

	s.Store.AddToProcessingQueue(queue.ProcessingEntry{SubmissionID: 7, HomeworkType: grading.SubjectMath})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	state := s.State()
	if len(state.Processing) != 1 || !slices.Contains(state.Polling.Correctness, 7) {
		t.Errorf("expected submission 7 to be polled, got %+v", state.Polling)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.zst")
	svc := newFakeService()
	svc.pending = []grading.PendingSubmission{{
		SubmissionResult: grading.SubmissionResult{
			SubmissionID: 9,
			Status:       grading.StatusGraded,
			HomeworkType: grading.SubjectMath,
			Results:      []grading.ScoredItem{{Index: 0, Correct: false}},
		},
		OriginalFileName: "c.jpg",
	}}

	first := New(context.Background(), svc, Options{Poll: fastPoll(), StateFile: path})
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	item, ok := first.Store.PendingBySubmission(9)
	if !ok {
		t.Fatal("expected hydrated review")
	}
	if err := first.Reviews.SetEdit(item.ID, 0, true); err != nil {
		t.Fatalf("SetEdit: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	svc.pendingErr = errors.New("service unavailable")
	second := New(context.Background(), svc, Options{Poll: fastPoll(), StateFile: path})
	defer second.Close()
	if err := second.Start(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	restored, ok := second.Store.PendingBySubmission(9)
	if !ok {
		t.Fatal("expected review restored from state file")
	}
	if !restored.Scored.Effective(0) {
		t.Error("expected local edit to survive the restart")
	}
	if len(second.Notifications.List()) != 1 {
		t.Errorf("expected one error notification, got %+v", second.Notifications.List())
	}
}

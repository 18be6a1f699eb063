// Package notify carries user-facing messages out of the grading workflow:
// batch summaries, per-submission grading outcomes and failed user actions.
//
// Producers call a Notifier; the CLI logs notifications through zerolog while
// the local API keeps a bounded history the browser panel polls.
package notify

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fpang/grading-queue/internal/grading"
)

// Level is the severity of a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Notification is one user-facing message.
type Notification struct {
	ID           string    `json:"id"`
	Level        Level     `json:"level"`
	Title        string    `json:"title"`
	Message      string    `json:"message,omitempty"`
	SubmissionID int64     `json:"submissionId,omitempty"`
	At           time.Time `json:"at"`
}

// Notifier delivers notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(n Notification)
}

// Message converts err into the text shown to the user: the grading
// service's own message when it sent one, otherwise fallback.
func Message(err error, fallback string) string {
	if msg := grading.ServerMessage(err); msg != "" {
		return msg
	}
	return fallback
}

// Success sends a success notification.
func Success(n Notifier, title, message string) {
	send(n, Notification{Level: LevelSuccess, Title: title, Message: message})
}

// Info sends an informational notification.
func Info(n Notifier, title, message string) {
	send(n, Notification{Level: LevelInfo, Title: title, Message: message})
}

// Error sends an error notification.
func Error(n Notifier, title, message string) {
	send(n, Notification{Level: LevelError, Title: title, Message: message})
}

// Submission sends a notification about one submission.
func Submission(n Notifier, level Level, submissionID int64, title, message string) {
	send(n, Notification{Level: level, Title: title, Message: message, SubmissionID: submissionID})
}

func send(n Notifier, note Notification) {
	if n == nil {
		return
	}
	note.ID = uuid.NewString()
	note.At = time.Now()
	n.Notify(note)
}

// LogNotifier writes notifications to the global zerolog logger.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(n Notification) {
	var ev *zerolog.Event
	switch n.Level {
	case LevelError:
		ev = log.Error()
	default:
		ev = log.Info()
	}
	if n.SubmissionID != 0 {
		ev = ev.Int64("submissionId", n.SubmissionID)
	}
	if n.Message != "" {
		ev = ev.Str("detail", n.Message)
	}
	ev.Str("level", string(n.Level)).Msg(n.Title)
}

// Recorder keeps the most recent notifications in memory and forwards each
// one to an optional next notifier.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
	limit int
	next  Notifier
}

// DefaultHistory is the number of notifications a Recorder keeps by default.
const DefaultHistory = 100

// NewRecorder creates a recorder keeping at most limit notifications.
func NewRecorder(limit int, next Notifier) *Recorder {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Recorder{limit: limit, next: next}
}

// Notify implements Notifier.
func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	if over := len(r.items) - r.limit; over > 0 {
		r.items = slices.Delete(r.items, 0, over)
	}
	r.mu.Unlock()

	if r.next != nil {
		r.next.Notify(n)
	}
}

// List returns recorded notifications, oldest first.
func (r *Recorder) List() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.items)
}

// Since returns notifications recorded strictly after t.
func (r *Recorder) Since(t time.Time) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.items {
		if n.At.After(t) {
			out = append(out, n)
		}
	}
	return out
}

// Package events публикует события жизненного цикла заданий.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/mmeshcher/imagejobs/internal/model"
)

// Ключи маршрутизации.
const (
	RoutingJobCompleted = "job.completed"
	RoutingJobFailed    = "job.failed"
)

// Event описывает терминальный переход задания.
type Event struct {
	JobID         string          `json:"job_id"`
	ExternalJobID string          `json:"external_job_id"`
	JobType       model.JobType   `json:"job_type"`
	Owner         string          `json:"owner"`
	Status        model.JobStatus `json:"status"`
	ResultURL     *string         `json:"result_url,omitempty"`
	Message       string          `json:"message,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// RoutingKey возвращает ключ маршрутизации по статусу.
func (e Event) RoutingKey() string {
	if e.Status == model.JobStatusCompleted {
		return RoutingJobCompleted
	}
	return RoutingJobFailed
}

// FromJob строит событие по заданию после терминального перехода.
func FromJob(j *model.Job) Event {
	occurred := j.UpdatedAt
	if j.CompletedAt != nil {
		occurred = *j.CompletedAt
	}
	return Event{
		JobID:         j.ID,
		ExternalJobID: j.ExternalJobID,
		JobType:       j.Type,
		Owner:         j.Owner.Key(),
		Status:        j.Status,
		ResultURL:     j.ResultURL,
		Message:       j.ErrorMessage,
		OccurredAt:    occurred,
	}
}

// Publisher публикует события.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop отбрасывает события.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder запоминает события в памяти.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events возвращает копию опубликованных событий.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

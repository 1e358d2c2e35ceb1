// Package bridge converts raw scheduler lifecycle events into a filtered,
// normalized stream a client can subscribe to per entity. Subscriptions are
// tied to a context; cancellation deregisters everything for that client, so
// listener registrations cannot leak across request lifetimes.
package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/jmiran15/chatmate-sub000/pkg/scheduler"
)

// Envelope is the normalized event forwarded to subscribers, independent of
// the scheduler's native event shape. QueueName distinguishes independent
// job categories touching the same entity.
type Envelope struct {
	EntityID     string `json:"entityId"`
	QueueName    string `json:"queueName"`
	Progress     int    `json:"progress"`
	Completed    bool   `json:"completed"`
	ReturnValue  any    `json:"returnValue,omitempty"`
	FailedReason string `json:"failedReason,omitempty"`
}

// Filter decides whether a job's events belong to a subscriber, given the
// full job record.
type Filter func(job scheduler.Job) bool

// ForChat matches jobs whose payload names the chat.
func ForChat(chatID string) Filter {
	return func(job scheduler.Job) bool {
		v, ok := job.Data["chatId"]
		return ok && v == chatID
	}
}

// ForEntity matches jobs whose payload names any entity id field used by the
// platform (chat, chatbot, document).
func ForEntity(entityID string) Filter {
	return func(job scheduler.Job) bool {
		for _, key := range []string{"chatId", "chatbotId", "documentId"} {
			if v, ok := job.Data[key]; ok && v == entityID {
				return true
			}
		}
		return false
	}
}

// ForJob matches a single job id.
func ForJob(jobID string) Filter {
	return func(job scheduler.Job) bool {
		return job.ID == jobID
	}
}

// Bridge fans scheduler events out to per-client filtered streams.
type Bridge struct {
	sched *scheduler.Scheduler
	log   *zap.Logger
}

func New(sched *scheduler.Scheduler, log *zap.Logger) *Bridge {
	return &Bridge{sched: sched, log: log}
}

// Subscribe returns a stream of envelopes for jobs matching the filter. The
// stream closes when ctx is canceled or the scheduler shuts down; all
// underlying listener registrations are released then.
func (b *Bridge) Subscribe(ctx context.Context, filter Filter) <-chan Envelope {
	events, cancel := b.sched.SubscribeEvents()
	out := make(chan Envelope, 16)

	go func() {
		defer cancel()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				// Events carry only an id plus a delta; fetch the record to
				// evaluate the filter and fill the envelope.
				job, err := b.sched.Job(ev.Queue, ev.JobID)
				if err != nil {
					continue
				}
				if !filter(job) {
					continue
				}
				env := Envelope{
					EntityID:     entityID(job),
					QueueName:    job.Queue,
					Progress:     job.Progress,
					Completed:    ev.Type == scheduler.EventCompleted,
					ReturnValue:  job.ReturnValue,
					FailedReason: job.FailedReason,
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func entityID(job scheduler.Job) string {
	for _, key := range []string{"chatId", "chatbotId", "documentId"} {
		if v, ok := job.Data[key].(string); ok && v != "" {
			return v
		}
	}
	return job.ID
}

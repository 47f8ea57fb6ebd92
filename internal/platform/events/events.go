// Package events carries consultation changes to live subscribers after
// the engine has committed them. Publication is best effort; a failed
// publish never undoes a committed change.
package events

import (
	"context"
	"encoding/json"
	"time"
)

const (
	TypeCreated      = "consultation.created"
	TypeTransitioned = "consultation.transitioned"
	TypeAssigned     = "consultation.assigned"
	TypeTriaged      = "consultation.triaged"
)

type Event struct {
	Type           string          `json:"type"`
	Topics         []string        `json:"topics"`
	ConsultationID string          `json:"consultation_id"`
	Status         string          `json:"status"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// ConsultationTopic is followed by whoever is watching one consultation.
func ConsultationTopic(id string) string { return "consultation:" + id }

// QueueTopic is followed by the waiting list for one status.
func QueueTopic(status string) string { return "queue:" + status }

// Topics returns the topics a change to a consultation is delivered on. A
// status change also touches the queue the consultation left.
func Topics(id, status string, previous ...string) []string {
	out := []string{ConsultationTopic(id), QueueTopic(status)}
	for _, p := range previous {
		if p != "" && p != status {
			out = append(out, QueueTopic(p))
		}
	}
	return out
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

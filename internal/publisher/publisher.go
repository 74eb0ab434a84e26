// Package publisher announces newly discovered candidates to downstream
// consumers.
package publisher

import (
	"context"
	"time"

	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
)

// TopicCandidatesDiscovered is the event emitted after a directory or
// discovery item completes with candidates.
const TopicCandidatesDiscovered = "candidates.discovered"

// Publisher sends a payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// CandidatesEvent is the payload of TopicCandidatesDiscovered.
type CandidatesEvent struct {
	Kind       queue.Kind        `json:"kind"`
	ItemID     string            `json:"item_id"`
	Region     string            `json:"region,omitempty"`
	Candidates []queue.Candidate `json:"candidates"`
	Created    int               `json:"organizations_created,omitempty"`
	At         time.Time         `json:"at"`
}

// Nop discards every message.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, any) (string, error) { return "", nil }

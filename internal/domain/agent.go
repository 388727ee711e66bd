package domain

import (
	"time"

	"github.com/google/uuid"
)

// Agent is one registered live agent. Agents hold memories by id only;
// the registry owns the record and the inbox.
type Agent struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Message is one inter-agent message. Delivery is FIFO per (From, To)
// pair; the inbox is bounded and drops oldest when full.
type Message struct {
	ID      uuid.UUID `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// Event is a published occurrence awaiters can match on. Filter keys in
// a selector must equal the corresponding Payload keys.
type Event struct {
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	Payload     map[string]any `json:"payload,omitempty"`
	PublishedAt time.Time      `json:"published_at"`
}

// Selector is the (type, source, filter) triple an AWAIT registers.
type Selector struct {
	Type   string         `json:"type"`
	Source string         `json:"source"`
	Filter map[string]any `json:"filter,omitempty"`
}

// Matches reports whether ev satisfies the selector: equality on type
// and source, and every filter key equal in the event payload.
func (s Selector) Matches(ev Event) bool {
	if s.Type != ev.Type || s.Source != ev.Source {
		return false
	}
	for k, want := range s.Filter {
		got, ok := ev.Payload[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

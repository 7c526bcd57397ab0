package blocklist

import (
	"sync"
	"time"
)

// Event reasons.
const (
	ReasonRefresh     = "refresh"
	ReasonRecompile   = "recompile"
	ReasonEntitlement = "entitlement"
	ReasonDomains     = "custom_domains"
	ReasonKeywords    = "keywords"
	ReasonWhitelist   = "whitelist"
)

// Event is published after every state change that produced a new artifact.
type Event struct {
	Reason   string    `json:"reason"`
	Op       string    `json:"op,omitempty"`
	Value    string    `json:"value,omitempty"`
	Domains  int       `json:"domains"`
	Rules    int       `json:"rules"`
	Entitled bool      `json:"entitled"`
	At       time.Time `json:"at"`
}

const subscriberBuffer = 16

type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// publish never blocks; a subscriber that falls behind misses events.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Package progress provides a token-keyed publish/subscribe bus for
// long-running operation progress. Publishers never block: a slow or
// absent subscriber drops events instead of stalling the worker.
package progress

import (
	"sync"
	"time"
)

// Event is one progress report. Percent is monotonic per token;
// Message accompanies milestones and may be empty for pure ticks.
type Event struct {
	Token   string    `json:"token"`
	Stage   string    `json:"stage"`
	Percent int       `json:"percent"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// subscriberBuffer bounds each subscriber channel. Publishers drop
// rather than block when it fills.
const subscriberBuffer = 64

// Bus fans progress events out to per-token subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event

	// last holds the latest percent per token to keep reports
	// monotonic across publisher retries.
	last map[string]int

	now func() time.Time
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan Event),
		last: make(map[string]int),
		now:  time.Now,
	}
}

// Subscribe registers for events published under token. The returned
// cancel function must be called to release the subscription; the
// channel is closed by cancel.
func (b *Bus) Subscribe(token string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[token] = append(b.subs[token], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[token]
		for i, c := range chans {
			if c == ch {
				b.subs[token] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
		if len(b.subs[token]) == 0 {
			delete(b.subs, token)
		}
	}
	return ch, cancel
}

// Publish sends an event to every subscriber of token. Percentages
// are clamped monotonic: a report lower than the last one for this
// token is raised to it. Delivery is best-effort and never blocks.
func (b *Bus) Publish(token, stage string, percent int, message string) {
	b.mu.Lock()
	if percent < b.last[token] {
		percent = b.last[token]
	}
	if percent > 100 {
		percent = 100
	}
	b.last[token] = percent

	ev := Event{
		Token:   token,
		Stage:   stage,
		Percent: percent,
		Message: message,
		Time:    b.now(),
	}
	chans := append([]chan Event(nil), b.subs[token]...)
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up; drop.
		}
	}
}

// Done publishes a terminal 100% event and forgets the token's
// monotonic floor so the token can be reused.
func (b *Bus) Done(token, message string) {
	b.Publish(token, "done", 100, message)
	b.mu.Lock()
	delete(b.last, token)
	b.mu.Unlock()
}

// Reporter binds a bus to one token and stage, giving batch loops a
// compact per-item callback.
type Reporter struct {
	bus   *Bus
	token string
	stage string
	total int
	done  int
	mu    sync.Mutex
}

// NewReporter returns a reporter that maps done/total counts onto
// percentages for token. A nil bus yields a no-op reporter.
func NewReporter(bus *Bus, token, stage string, total int) *Reporter {
	return &Reporter{bus: bus, token: token, stage: stage, total: total}
}

// Step records n more completed items and publishes the new
// percentage with an optional message.
func (r *Reporter) Step(n int, message string) {
	if r == nil || r.bus == nil || r.token == "" {
		return
	}
	r.mu.Lock()
	r.done += n
	done, total := r.done, r.total
	r.mu.Unlock()

	percent := 100
	if total > 0 {
		percent = done * 100 / total
	}
	r.bus.Publish(r.token, r.stage, percent, message)
}

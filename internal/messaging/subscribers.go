package messaging

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/erichowens/port-daddy/internal/types"
)

// Subscriber-table bounds.
const (
	MaxChannels              = 1000
	MaxSubscribersPerChannel = 100
)

// WildcardChannel receives every published message tagged with its
// originating channel.
const WildcardChannel = "*"

// Delivery is what a subscriber callback receives. Channel subscribers get
// the decoded payload; wildcard subscribers get the raw stored payload.
type Delivery struct {
	Channel string
	ID      int64
	Payload any
	Raw     string
	Sender  string
}

// Handler is an in-process subscriber callback. Handlers run inline from
// publish and must not block; a panicking handler is isolated and logged.
type Handler func(Delivery)

type subscriber struct {
	id int64
	fn Handler
}

// Subscribers is the in-process fan-out table. It is process-local mutable
// state and never persists; cross-process consumers read the channel log.
type Subscribers struct {
	mu       sync.RWMutex
	nextID   int64
	channels map[string][]subscriber
	log      zerolog.Logger
}

// NewSubscribers constructs an empty table.
func NewSubscribers(logger zerolog.Logger) *Subscribers {
	return &Subscribers{
		channels: make(map[string][]subscriber),
		log:      logger.With().Str("component", "subscribers").Logger(),
	}
}

// Subscribe registers fn under channel (WildcardChannel for all channels).
// The returned handle unsubscribes; empty channels are pruned on release.
func (s *Subscribers) Subscribe(channel string, fn Handler) (func(), error) {
	if channel == "" {
		return nil, types.E(types.CodeValidation, "channel is required")
	}
	if fn == nil {
		return nil, types.E(types.CodeValidation, "subscriber callback is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.channels[channel]; !exists && len(s.channels) >= MaxChannels {
		return nil, types.E(types.CodeValidation, "subscriber channel limit (%d) reached", MaxChannels)
	}
	if len(s.channels[channel]) >= MaxSubscribersPerChannel {
		return nil, types.E(types.CodeValidation,
			"subscriber limit (%d) reached on channel %q", MaxSubscribersPerChannel, channel)
	}

	s.nextID++
	id := s.nextID
	s.channels[channel] = append(s.channels[channel], subscriber{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.channels[channel]
		for i, sub := range subs {
			if sub.id == id {
				s.channels[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(s.channels[channel]) == 0 {
			delete(s.channels, channel)
		}
	}, nil
}

// Notify fans a published message out to the channel's subscribers and to
// wildcard subscribers. Callbacks run synchronously; a panic in one is
// caught so a faulty subscriber never blocks the others.
func (s *Subscribers) Notify(channel string, id int64, decoded any, raw, sender string) {
	s.mu.RLock()
	direct := append([]subscriber(nil), s.channels[channel]...)
	wild := append([]subscriber(nil), s.channels[WildcardChannel]...)
	s.mu.RUnlock()

	for _, sub := range direct {
		s.invoke(sub, Delivery{Channel: channel, ID: id, Payload: decoded, Raw: raw, Sender: sender})
	}
	for _, sub := range wild {
		// Wildcard subscribers see the raw payload plus the channel name.
		s.invoke(sub, Delivery{Channel: channel, ID: id, Payload: raw, Raw: raw, Sender: sender})
	}
}

func (s *Subscribers) invoke(sub subscriber, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn().Interface("panic", r).Str("channel", d.Channel).
				Msg("subscriber callback panicked")
		}
	}()
	sub.fn(d)
}

// ChannelCount reports how many channels have live subscribers.
func (s *Subscribers) ChannelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

package local

import (
	"context"
	"sync"
)

// LocalMessage is an in-process pub/sub message.
type LocalMessage struct {
	Channel string
	Payload string
}

// subscription is one Subscribe call. Several channel names can feed the
// same delivery chan.
type subscription struct {
	deliver chan *LocalMessage
}

// LocalPubSub fans messages out to in-process subscribers. It backs the
// single-node deployment where Redis is not configured; delivery is
// best-effort and a slow subscriber loses messages rather than blocking
// the publisher.
type LocalPubSub struct {
	mu       sync.RWMutex
	channels map[string]map[*subscription]struct{}
	bufSize  int
}

// NewPubSub creates a LocalPubSub. bufSize is each subscriber's delivery
// buffer; values <= 0 fall back to 256.
func NewPubSub(bufSize int) *LocalPubSub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &LocalPubSub{
		channels: make(map[string]map[*subscription]struct{}),
		bufSize:  bufSize,
	}
}

// Publish delivers message to every current subscriber of channel.
// Subscribers with a full buffer are skipped.
func (ps *LocalPubSub) Publish(_ context.Context, channel, message string) error {
	msg := &LocalMessage{Channel: channel, Payload: message}

	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for sub := range ps.channels[channel] {
		select {
		case sub.deliver <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers for one or more channels and returns the delivery
// chan plus an unsubscribe func. Unsubscribing closes the chan; calling
// it more than once is safe.
func (ps *LocalPubSub) Subscribe(_ context.Context, names ...string) (<-chan *LocalMessage, func(), error) {
	sub := &subscription{deliver: make(chan *LocalMessage, ps.bufSize)}

	ps.mu.Lock()
	for _, name := range names {
		set := ps.channels[name]
		if set == nil {
			set = make(map[*subscription]struct{})
			ps.channels[name] = set
		}
		set[sub] = struct{}{}
	}
	ps.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ps.mu.Lock()
			for _, name := range names {
				delete(ps.channels[name], sub)
				if len(ps.channels[name]) == 0 {
					delete(ps.channels, name)
				}
			}
			ps.mu.Unlock()
			close(sub.deliver)
		})
	}

	return sub.deliver, cancel, nil
}

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

// subscription is one Subscribe call; it may listen on several channels.
type subscription struct {
	ch chan *LocalMessage
}

// LocalPubSub fans messages out to in-process subscribers. A subscriber whose
// buffer is full misses the message.
type LocalPubSub struct {
	mu      sync.RWMutex
	byTopic map[string]map[*subscription]struct{}
	bufSize int
}

// NewPubSub creates a LocalPubSub with the given per-subscription buffer.
func NewPubSub(bufSize int) *LocalPubSub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &LocalPubSub{
		byTopic: make(map[string]map[*subscription]struct{}),
		bufSize: bufSize,
	}
}

// Publish delivers message to every current subscriber of channel.
func (ps *LocalPubSub) Publish(_ context.Context, channel, message string) error {
	msg := &LocalMessage{Channel: channel, Payload: message}
	// The read lock is held across the sends so cancel cannot close a
	// channel under us.
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for s := range ps.byTopic[channel] {
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe listens on channels until the returned cancel is called, which
// closes the message channel.
func (ps *LocalPubSub) Subscribe(_ context.Context, channels ...string) (<-chan *LocalMessage, func(), error) {
	s := &subscription{ch: make(chan *LocalMessage, ps.bufSize)}

	ps.mu.Lock()
	for _, c := range channels {
		subs, ok := ps.byTopic[c]
		if !ok {
			subs = make(map[*subscription]struct{})
			ps.byTopic[c] = subs
		}
		subs[s] = struct{}{}
	}
	ps.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ps.mu.Lock()
			defer ps.mu.Unlock()
			for _, c := range channels {
				delete(ps.byTopic[c], s)
				if len(ps.byTopic[c]) == 0 {
					delete(ps.byTopic, c)
				}
			}
			close(s.ch)
		})
	}
	return s.ch, cancel, nil
}

// Topics reports how many channels have at least one subscriber.
func (ps *LocalPubSub) Topics() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.byTopic)
}

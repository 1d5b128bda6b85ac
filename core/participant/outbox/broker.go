package outbox

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Broker is an in-memory Publisher. Each subscription has a bounded buffer;
// messages for a full subscriber are dropped and logged.
type Broker struct {
	logger *zap.Logger

	mu       sync.RWMutex
	channels map[string]*channel
}

type channel struct {
	nextID int
	subs   map[int]chan Message
}

func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{logger: logger.Named("broker"), channels: make(map[string]*channel)}
}

// CreateChannel registers name. It reports false if the channel already exists.
func (b *Broker) CreateChannel(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[name]; ok {
		return false
	}
	b.channels[name] = &channel{subs: make(map[int]chan Message)}
	return true
}

// CloseChannel removes name and closes every subscription on it.
func (b *Broker) CloseChannel(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	if !ok {
		return
	}
	for id, s := range ch.subs {
		close(s)
		delete(ch.subs, id)
	}
	delete(b.channels, name)
}

func (b *Broker) HasChannel(_ context.Context, name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.channels[name]
	return ok
}

// Subscribe returns a receive channel for name and a func that cancels it.
func (b *Broker) Subscribe(name string, buffer int) (<-chan Message, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	id := ch.nextID
	ch.nextID++
	sub := make(chan Message, buffer)
	ch.subs[id] = sub
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := ch.subs[id]; ok {
			delete(ch.subs, id)
			close(s)
		}
	}
	return sub, cancel, nil
}

func (b *Broker) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[msg.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, msg.Channel)
	}
	for id, sub := range ch.subs {
		select {
		case sub <- msg:
		default:
			b.logger.Warn("subscriber full, message dropped",
				zap.String("channel", msg.Channel), zap.Int("subscriber", id), zap.Uint64("txn_id", msg.TxnID))
		}
	}
	return nil
}

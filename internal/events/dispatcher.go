// Package events delivers committed trades to durable sinks and live subscribers.
package events

import (
	"context"
	"sync"

	"github.com/vadiminshakov/papertrade/internal/domain"
	"go.uber.org/zap"
)

const defaultBuffer = 64

// Sink receives every committed trade.
type Sink interface {
	Publish(ctx context.Context, evt domain.TradeEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt domain.TradeEvent) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, evt domain.TradeEvent) error {
	return f(ctx, evt)
}

type namedSink struct {
	name string
	sink Sink
}

// Dispatcher fans trade events out to sinks and to subscribers via buffered channels.
// Sink failures are logged and never returned: a trade that reached the dispatcher is committed.
type Dispatcher struct {
	l      *zap.Logger
	buffer int

	sinksMu sync.RWMutex
	sinks   []namedSink

	mu   sync.RWMutex
	subs map[chan domain.TradeEvent]string
}

// NewDispatcher creates a dispatcher with the given per-subscriber buffer.
func NewDispatcher(l *zap.Logger, buffer int) *Dispatcher {
	if l == nil {
		l = zap.NewNop()
	}
	if buffer < 1 {
		buffer = defaultBuffer
	}
	return &Dispatcher{
		l:      l,
		buffer: buffer,
		subs:   make(map[chan domain.TradeEvent]string),
	}
}

// AddSink registers a sink under a name used in logs.
func (d *Dispatcher) AddSink(name string, s Sink) {
	d.sinksMu.Lock()
	d.sinks = append(d.sinks, namedSink{name: name, sink: s})
	d.sinksMu.Unlock()
}

// Dispatch hands evt to every sink in registration order, then to subscribers.
func (d *Dispatcher) Dispatch(ctx context.Context, evt domain.TradeEvent) {
	d.sinksMu.RLock()
	sinks := d.sinks
	d.sinksMu.RUnlock()

	for _, s := range sinks {
		if err := s.sink.Publish(ctx, evt); err != nil {
			d.l.Error("trade event sink failed",
				zap.String("sink", s.name),
				zap.String("user_id", evt.UserID),
				zap.String("trade_id", evt.Record.ID),
				zap.Error(err))
		}
	}

	d.broadcast(evt)
}

func (d *Dispatcher) broadcast(evt domain.TradeEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for ch, userID := range d.subs {
		if userID != "" && userID != evt.UserID {
			continue
		}
		select {
		case ch <- evt:
		default:
			d.l.Warn("dropping trade event for slow subscriber", zap.String("user_id", evt.UserID))
		}
	}
}

// Subscribe returns a channel receiving events of userID (all users when empty)
// until Unsubscribe is called.
func (d *Dispatcher) Subscribe(userID string) chan domain.TradeEvent {
	ch := make(chan domain.TradeEvent, d.buffer)
	d.mu.Lock()
	d.subs[ch] = userID
	d.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (d *Dispatcher) Unsubscribe(ch chan domain.TradeEvent) {
	d.mu.Lock()
	if _, ok := d.subs[ch]; ok {
		delete(d.subs, ch)
		close(ch)
	}
	d.mu.Unlock()
}

// Subscribers reports the number of live subscribers.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

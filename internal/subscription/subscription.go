// Package subscription implements component E, the Subscription
// Dispatcher: live, catch-up, and filtered all-stream subscriptions with
// bounded, drop-on-overload delivery.
//
// Grounded in the teacher's internal/ingest/socket.Server, whose
// per-partition worker queues (partQ) and per-connection writer queues
// (writerQ, inflight) bounded work with buffered channels and rejected
// overload with a "select default:" drop rather than blocking a hot
// path; here the same shape bounds event delivery to one subscriber
// instead of request dispatch to one connection.
package subscription

import (
	"context"
	"sync"
	"sync/atomic"

	"chronicles/internal/commitbus"
	"chronicles/internal/domain"
	"chronicles/internal/reader"
)

// DropReason names why a subscription was dropped.
type DropReason string

const (
	DropSubscriberMaxCountReached DropReason = "SubscriberMaxCountReached"
	DropProcessingQueueOverflow   DropReason = "ProcessingQueueOverflow"
)

// Phase is a catch-up subscription's lifecycle stage.
type Phase int

const (
	PhaseReading Phase = iota
	PhaseCatchingUpLive
	PhaseLive
	PhaseDropped
)

// DefaultQueueDepth bounds the per-subscription delivery channel.
const DefaultQueueDepth = 512

// Event is one message a subscriber receives: either a delivered record,
// a checkpoint, a phase transition, or a drop notification.
type Event struct {
	Kind       EventKind
	Record     domain.ResolvedEvent
	Checkpoint domain.LogPosition
	DropReason DropReason
}

type EventKind int

const (
	KindRecord EventKind = iota
	KindCheckpoint
	KindLiveProcessingStarted
	KindDropped
)

// Subscriber receives Events on C() until it is dropped or the caller
// unsubscribes.
type Subscriber struct {
	ch      chan Event
	dropped atomic.Bool
	reason  DropReason
}

func (s *Subscriber) C() <-chan Event { return s.ch }

func newSubscriber() *Subscriber { return &Subscriber{ch: make(chan Event, DefaultQueueDepth)} }

func (s *Subscriber) deliver(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscriber) drop(reason DropReason) {
	if !s.dropped.CompareAndSwap(false, true) {
		return
	}
	s.reason = reason
	select {
	case s.ch <- Event{Kind: KindDropped, DropReason: reason}:
	default:
	}
	close(s.ch)
}

// Dispatcher owns live delivery from the commit bus and drives catch-up
// and filtered all-stream subscriptions.
type Dispatcher struct {
	bus *commitbus.Bus
	rd  *reader.Reader

	mu          sync.Mutex
	maxSubs     int
	subscribers int
}

// Config tunes dispatcher behavior.
type Config struct {
	MaxSubscribers        int
	SendCheckpointEvery    int // not read by New; FilteredAll takes its interval from its checkpointEvery argument
}

func New(bus *commitbus.Bus, rd *reader.Reader, cfg Config) *Dispatcher {
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = 10000
	}
	return &Dispatcher{bus: bus, rd: rd, maxSubs: cfg.MaxSubscribers}
}

func (d *Dispatcher) register() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subscribers >= d.maxSubs {
		return false
	}
	d.subscribers++
	return true
}

func (d *Dispatcher) unregister() {
	d.mu.Lock()
	d.subscribers--
	d.mu.Unlock()
}

// Live subscribes to every Committed message published after
// registration, exactly once per subscription, matching an optional
// filter. The returned Subscriber is dropped with
// SubscriberMaxCountReached if its queue ever overflows.
func (d *Dispatcher) Live(ctx context.Context, filter *reader.Filter) (*Subscriber, error) {
	if !d.register() {
		return nil, &domain.ErrTooBusy{Queue: "subscribers"}
	}
	sub := newSubscriber()
	busSub := d.bus.Subscribe()

	go func() {
		defer d.unregister()
		defer d.bus.Unsubscribe(busSub)
		for {
			select {
			case <-ctx.Done():
				sub.drop(DropSubscriberMaxCountReached)
				return
			case n, ok := <-busSub.C():
				if !ok {
					return
				}
				for _, re := range n.Events {
					if filter != nil && !filter.Match(string(re.Stream), re.Event.EventType) {
						continue
					}
					resolved := domain.ResolvedEvent{Link: re}
					if !sub.deliver(Event{Kind: KindRecord, Record: resolved}) {
						sub.drop(DropSubscriberMaxCountReached)
						return
					}
				}
			}
		}
	}()
	return sub, nil
}

// CatchUp implements the Reading -> CatchingUpLive -> Live lifecycle:
// historical events from the Reader are forwarded first, then the
// dispatcher subscribes to the commit bus, buffering live events while
// draining a final catch-up read to close the gap, before forwarding
// live events directly.
func (d *Dispatcher) CatchUp(ctx context.Context, stream domain.StreamID, fromExclusive domain.EventNumber, filter *reader.Filter) (*Subscriber, error) {
	if !d.register() {
		return nil, &domain.ErrTooBusy{Queue: "subscribers"}
	}
	sub := newSubscriber()

	go d.runCatchUp(ctx, sub, stream, fromExclusive, filter)
	return sub, nil
}

func (d *Dispatcher) runCatchUp(ctx context.Context, sub *Subscriber, stream domain.StreamID, fromExclusive domain.EventNumber, filter *reader.Filter) {
	defer d.unregister()

	lastDelivered := fromExclusive
	from := fromExclusive + 1

	// Reading phase: drain historical events via the Reader.
	for {
		select {
		case <-ctx.Done():
			sub.drop(DropSubscriberMaxCountReached)
			return
		default:
		}
		slice, err := d.rd.ReadStreamForward(stream, from, 256, true)
		if err != nil {
			sub.drop(DropProcessingQueueOverflow)
			return
		}
		for _, re := range slice.Events {
			if filter != nil && !filter.Match(string(stream), re.Link.Event.EventType) {
				continue
			}
			if !sub.deliver(Event{Kind: KindRecord, Record: re}) {
				sub.drop(DropProcessingQueueOverflow)
				return
			}
			lastDelivered = re.Link.EventNumber
		}
		if slice.IsEndOfStream {
			break
		}
		from = slice.NextEventNumber
	}

	// CatchingUpLive phase: subscribe to the bus while closing the gap.
	busSub := d.bus.Subscribe()
	defer d.bus.Unsubscribe(busSub)

	var liveBuf []domain.CommitNotification
	var liveMu sync.Mutex
	liveDone := make(chan struct{})
	go func() {
		defer close(liveDone)
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-busSub.C():
				if !ok {
					return
				}
				liveMu.Lock()
				liveBuf = append(liveBuf, n)
				overflowed := len(liveBuf) > DefaultQueueDepth
				liveMu.Unlock()
				if overflowed {
					sub.drop(DropProcessingQueueOverflow)
					return
				}
			}
		}
	}()

	// Drain any remaining historical gap up to the live tail.
	for {
		slice, err := d.rd.ReadStreamForward(stream, lastDelivered+1, 256, true)
		if err != nil {
			sub.drop(DropProcessingQueueOverflow)
			return
		}
		for _, re := range slice.Events {
			if re.Link.EventNumber <= lastDelivered {
				continue
			}
			if filter == nil || filter.Match(string(stream), re.Link.Event.EventType) {
				if !sub.deliver(Event{Kind: KindRecord, Record: re}) {
					sub.drop(DropProcessingQueueOverflow)
					return
				}
			}
			lastDelivered = re.Link.EventNumber
		}
		if slice.IsEndOfStream {
			break
		}
	}

	// Live phase: forward buffered live events, deduping anything at or
	// below lastDelivered, then stream new notifications directly.
	sub.deliver(Event{Kind: KindLiveProcessingStarted})

	liveMu.Lock()
	buffered := liveBuf
	liveBuf = nil
	liveMu.Unlock()

	if !d.forwardNotifications(sub, buffered, stream, &lastDelivered, filter) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			sub.drop(DropSubscriberMaxCountReached)
			return
		case n, ok := <-busSub.C():
			if !ok {
				return
			}
			if !d.forwardNotifications(sub, []domain.CommitNotification{n}, stream, &lastDelivered, filter) {
				return
			}
		}
	}
}

func (d *Dispatcher) forwardNotifications(sub *Subscriber, notifications []domain.CommitNotification, stream domain.StreamID, lastDelivered *domain.EventNumber, filter *reader.Filter) bool {
	for _, n := range notifications {
		if n.Stream != stream {
			continue
		}
		for _, re := range n.Events {
			if re.EventNumber <= *lastDelivered {
				continue
			}
			if filter != nil && !filter.Match(string(re.Stream), re.Event.EventType) {
				*lastDelivered = re.EventNumber
				continue
			}
			if !sub.deliver(Event{Kind: KindRecord, Record: domain.ResolvedEvent{Link: re}}) {
				sub.drop(DropProcessingQueueOverflow)
				return false
			}
			*lastDelivered = re.EventNumber
		}
	}
	return true
}

// FilteredAll runs a filtered all-stream subscription: like CatchUp but
// over the global order, emitting a Checkpoint every checkpointEvery
// examined events (matched or not) on the live path.
func (d *Dispatcher) FilteredAll(ctx context.Context, fromExclusive domain.LogPosition, filter *reader.Filter, checkpointEvery int) (*Subscriber, error) {
	if !d.register() {
		return nil, &domain.ErrTooBusy{Queue: "subscribers"}
	}
	if checkpointEvery <= 0 {
		checkpointEvery = 1000
	}
	sub := newSubscriber()
	go d.runFilteredAll(ctx, sub, fromExclusive, filter, checkpointEvery)
	return sub, nil
}

func (d *Dispatcher) runFilteredAll(ctx context.Context, sub *Subscriber, from domain.LogPosition, filter *reader.Filter, checkpointEvery int) {
	defer d.unregister()

	pos := from
	for {
		select {
		case <-ctx.Done():
			sub.drop(DropSubscriberMaxCountReached)
			return
		default:
		}
		slice, err := d.rd.ReadAllForward(pos, 256, filter, 4096)
		if err != nil {
			sub.drop(DropProcessingQueueOverflow)
			return
		}
		for _, re := range slice.Events {
			if !sub.deliver(Event{Kind: KindRecord, Record: re}) {
				sub.drop(DropProcessingQueueOverflow)
				return
			}
		}
		if !sub.deliver(Event{Kind: KindCheckpoint, Checkpoint: slice.NextPosition}) {
			sub.drop(DropProcessingQueueOverflow)
			return
		}
		if slice.IsEndOfStream {
			break
		}
		pos = slice.NextPosition
	}

	sub.deliver(Event{Kind: KindLiveProcessingStarted})

	busSub := d.bus.Subscribe()
	defer d.bus.Unsubscribe(busSub)

	examined := 0
	for {
		select {
		case <-ctx.Done():
			sub.drop(DropSubscriberMaxCountReached)
			return
		case n, ok := <-busSub.C():
			if !ok {
				return
			}
			for _, re := range n.Events {
				examined++
				if filter == nil || filter.Match(string(re.Stream), re.Event.EventType) {
					if !sub.deliver(Event{Kind: KindRecord, Record: domain.ResolvedEvent{Link: re}}) {
						sub.drop(DropProcessingQueueOverflow)
						return
					}
				}
				if examined%checkpointEvery == 0 {
					if !sub.deliver(Event{Kind: KindCheckpoint, Checkpoint: re.Position}) {
						sub.drop(DropProcessingQueueOverflow)
						return
					}
				}
			}
		}
	}
}

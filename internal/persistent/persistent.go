// Package persistent implements component F, the Persistent Subscription
// Engine: competing-consumer groups keyed by (stream, group-name), with
// checkpointed progress, ack/nack, retry, and park buffers.
//
// Grounded in the teacher's raftengine.partitionWorker apply loop: a
// bounded propose channel, a typed command struct decoded off of
// committed entries, and an ack callback fired per entry. Here that
// shape is generalized from "apply one raft-committed entry, ack its
// token" to "read one buffered event, dispatch it to a strategy-chosen
// consumer, track it until ack/nack or timeout".
package persistent

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"chronicles/internal/coordinator"
	"chronicles/internal/domain"
	"chronicles/internal/reader"
)

// Strategy selects how buffered events are distributed across connected
// consumers.
type Strategy int

const (
	RoundRobin Strategy = iota
	DispatchToSingle
	Pinned
)

// NackAction is the disposition a consumer requests for a nacked event.
type NackAction int

const (
	NackRetry NackAction = iota
	NackPark
	NackSkip
	NackStop
)

// Settings configures one persistent subscription group.
type Settings struct {
	StartFrom           domain.EventNumber // or domain.Any to mean "live"
	ResolveLinks        bool
	MessageTimeout      time.Duration
	MaxRetries          int
	LiveBufferSize      int
	ReadBatchSize       int
	HistoryBufferSize   int
	CheckpointAfter     time.Duration
	MinCheckpointCount  int
	MaxCheckpointCount  int
	MaxSubscribers      int // 0 = unlimited
	Strategy            Strategy
}

func (s *Settings) applyDefaults() {
	if s.MessageTimeout <= 0 {
		s.MessageTimeout = 30 * time.Second
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 10
	}
	if s.LiveBufferSize <= 0 {
		s.LiveBufferSize = 500
	}
	if s.ReadBatchSize <= 0 {
		s.ReadBatchSize = 20
	}
	if s.HistoryBufferSize <= 0 {
		s.HistoryBufferSize = 20
	}
	if s.CheckpointAfter <= 0 {
		s.CheckpointAfter = 2 * time.Second
	}
	if s.MinCheckpointCount <= 0 {
		s.MinCheckpointCount = 10
	}
	if s.MaxCheckpointCount <= 0 {
		s.MaxCheckpointCount = 1000
	}
}

// inFlightEvent tracks one dispatched-but-unacked event.
type inFlightEvent struct {
	event      domain.ResolvedEvent
	consumerID string
	deadline   time.Time
	retries    int
}

// Consumer is one connected competing consumer.
type Consumer struct {
	id       string
	ch       chan domain.ResolvedEvent
	capacity int
}

func (c *Consumer) C() <-chan domain.ResolvedEvent { return c.ch }

// Group is one persistent subscription, keyed by (stream, groupName).
type Group struct {
	Stream    domain.StreamID
	GroupName string
	Settings  Settings

	mu         sync.Mutex
	cursor     domain.EventNumber // next event number to read
	checkpoint domain.EventNumber // greatest fully-settled event number
	sinceCkpt  int
	lastCkptAt time.Time

	inFlight map[string]*inFlightEvent // event-id (string form) -> entry
	parked   []domain.ResolvedEvent
	settled  map[domain.EventNumber]bool // events <= checkpoint candidates: acked or parked

	consumers   []*Consumer
	pinnedTo    map[string]string // correlation key -> consumer id
	rrIdx       int

	stopCh chan struct{}
}

func checkpointStreamName(stream domain.StreamID, group string) domain.StreamID {
	return domain.StreamID(fmt.Sprintf("$persistentsubscription-%s::%s-checkpoint", stream, group))
}

// checkpointPayload is the $checkpoint event body written by
// persistCheckpoint.
type checkpointPayload struct {
	Checkpoint int64 `json:"checkpoint"`
}

// lastCheckpoint reads the most recent $checkpoint event off a group's
// system checkpoint stream, for Create to resume from on restart per
// the engine's recovery contract. It reports false if the group has
// never checkpointed (new group, or a crash before the first one).
func lastCheckpoint(rd *reader.Reader, stream domain.StreamID, group string) (domain.EventNumber, bool) {
	ckptStream := checkpointStreamName(stream, group)
	tail, ok := rd.Tail(ckptStream)
	if !ok {
		return 0, false
	}
	slice, err := rd.ReadStreamBackward(ckptStream, tail, 1, false)
	if err != nil || len(slice.Events) == 0 {
		return 0, false
	}
	var payload checkpointPayload
	if err := json.Unmarshal(slice.Events[0].Link.Event.Data, &payload); err != nil {
		return 0, false
	}
	return domain.EventNumber(payload.Checkpoint), true
}

// Engine manages every persistent subscription group in the store.
type Engine struct {
	rd    *reader.Reader
	coord *coordinator.Coordinator

	mu     sync.Mutex
	groups map[string]*Group
}

func New(rd *reader.Reader, coord *coordinator.Coordinator) *Engine {
	return &Engine{rd: rd, coord: coord, groups: make(map[string]*Group)}
}

func groupKey(stream domain.StreamID, group string) string { return string(stream) + "::" + group }

// Create registers a new persistent subscription group and starts its
// dispatch loop.
func (e *Engine) Create(stream domain.StreamID, groupName string, settings Settings) (*Group, error) {
	settings.applyDefaults()
	key := groupKey(stream, groupName)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.groups[key]; exists {
		return nil, &domain.ErrBadRequest{Reason: fmt.Sprintf("persistent subscription %s already exists", key)}
	}

	start := settings.StartFrom
	if start == domain.Any {
		if tail, ok := e.rd.Tail(stream); ok {
			start = tail
		} else {
			start = -1
		}
	}
	// Recovery: a group that already has a persisted checkpoint resumes
	// from checkpoint+1 regardless of StartFrom, which only governs
	// where a brand-new group begins.
	if ckpt, ok := lastCheckpoint(e.rd, stream, groupName); ok {
		start = ckpt
	}

	g := &Group{
		Stream:     stream,
		GroupName:  groupName,
		Settings:   settings,
		cursor:     start + 1,
		checkpoint: start,
		inFlight:   make(map[string]*inFlightEvent),
		settled:    make(map[domain.EventNumber]bool),
		pinnedTo:   make(map[string]string),
		stopCh:     make(chan struct{}),
	}
	e.groups[key] = g
	go e.runGroup(g)
	return g, nil
}

// Update replaces a live group's tunables (timeout, retry limit, buffer
// sizes, checkpoint thresholds, dispatch strategy) in place, the same
// way Create seeds them, without touching cursor/checkpoint progress or
// disconnecting consumers. StartFrom is ignored: a running group's
// position is already established and is not renegotiable via Update.
func (e *Engine) Update(stream domain.StreamID, groupName string, settings Settings) error {
	settings.applyDefaults()
	g := e.group(stream, groupName)
	if g == nil {
		return &domain.ErrNotFound{Stream: stream}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	settings.StartFrom = g.Settings.StartFrom
	g.Settings = settings
	return nil
}

// Delete stops and removes a group.
func (e *Engine) Delete(stream domain.StreamID, groupName string) error {
	key := groupKey(stream, groupName)
	e.mu.Lock()
	g, ok := e.groups[key]
	if ok {
		delete(e.groups, key)
	}
	e.mu.Unlock()
	if !ok {
		return &domain.ErrNotFound{Stream: stream}
	}
	close(g.stopCh)
	return nil
}

// Connect attaches a new consumer to an existing group.
func (e *Engine) Connect(stream domain.StreamID, groupName, consumerID string) (*Consumer, error) {
	key := groupKey(stream, groupName)
	e.mu.Lock()
	g, ok := e.groups[key]
	e.mu.Unlock()
	if !ok {
		return nil, &domain.ErrNotFound{Stream: stream}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Settings.MaxSubscribers > 0 && len(g.consumers) >= g.Settings.MaxSubscribers {
		return nil, &domain.ErrTooBusy{Queue: "persistent-subscription-consumers"}
	}
	c := &Consumer{id: consumerID, ch: make(chan domain.ResolvedEvent, g.Settings.LiveBufferSize), capacity: g.Settings.LiveBufferSize}
	g.consumers = append(g.consumers, c)
	return c, nil
}

// Disconnect removes a consumer, redistributing its in-flight events.
func (e *Engine) Disconnect(stream domain.StreamID, groupName, consumerID string) {
	key := groupKey(stream, groupName)
	e.mu.Lock()
	g, ok := e.groups[key]
	e.mu.Unlock()
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for i, c := range g.consumers {
		if c.id == consumerID {
			close(c.ch)
			g.consumers = append(g.consumers[:i], g.consumers[i+1:]...)
			break
		}
	}
	for corr, cid := range g.pinnedTo {
		if cid == consumerID {
			delete(g.pinnedTo, corr)
		}
	}
	for id, inf := range g.inFlight {
		if inf.consumerID == consumerID {
			inf.retries++
			inf.consumerID = ""
			if inf.retries > g.Settings.MaxRetries {
				g.parkLocked(id, inf)
			}
		}
	}
}

// Ack acknowledges successful processing of events, removing them from
// the in-flight map and advancing checkpoint eligibility.
func (e *Engine) Ack(stream domain.StreamID, groupName string, eventIDs []string) {
	g := e.group(stream, groupName)
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range eventIDs {
		if inf, ok := g.inFlight[id]; ok {
			g.settled[inf.event.Link.EventNumber] = true
			delete(g.inFlight, id)
		}
	}
	g.maybeCheckpointLocked(e.coord)
}

// Nack applies a consumer's requested disposition to a set of events.
func (e *Engine) Nack(stream domain.StreamID, groupName string, eventIDs []string, action NackAction) {
	g := e.group(stream, groupName)
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range eventIDs {
		inf, ok := g.inFlight[id]
		if !ok {
			continue
		}
		switch action {
		case NackRetry:
			inf.retries++
			if inf.retries > g.Settings.MaxRetries {
				g.parkLocked(id, inf)
			} else {
				inf.consumerID = ""
				inf.deadline = time.Time{}
			}
		case NackPark:
			g.parkLocked(id, inf)
		case NackSkip:
			g.settled[inf.event.Link.EventNumber] = true
			delete(g.inFlight, id)
		case NackStop:
			delete(g.inFlight, id)
		}
	}
	g.maybeCheckpointLocked(e.coord)
}

func (g *Group) parkLocked(eventID string, inf *inFlightEvent) {
	g.parked = append(g.parked, inf.event)
	g.settled[inf.event.Link.EventNumber] = true
	delete(g.inFlight, eventID)
}

// maybeCheckpointLocked advances the checkpoint to the greatest N such
// that every event <= N is settled (acked, parked, or skipped), and
// persists it to the group's system checkpoint stream when the
// configured thresholds are met.
func (g *Group) maybeCheckpointLocked(coord *coordinator.Coordinator) {
	n := g.checkpoint
	for g.settled[n+1] {
		n++
		delete(g.settled, n)
	}
	if n == g.checkpoint {
		return
	}
	advanced := int(n - g.checkpoint)
	g.checkpoint = n
	g.sinceCkpt += advanced

	due := g.sinceCkpt >= g.Settings.MaxCheckpointCount ||
		(g.sinceCkpt >= g.Settings.MinCheckpointCount && time.Since(g.lastCkptAt) >= g.Settings.CheckpointAfter)
	if !due || coord == nil {
		return
	}
	g.persistCheckpoint(coord)
}

func (g *Group) persistCheckpoint(coord *coordinator.Coordinator) {
	payload := []byte(fmt.Sprintf(`{"checkpoint":%d}`, int64(g.checkpoint)))
	ev := domain.Event{EventType: "$checkpoint", Data: payload, IsJSON: true, CreatedAt: time.Now().UTC()}
	_, _ = coord.Append(checkpointStreamName(g.Stream, g.GroupName), domain.Any, []domain.Event{ev})
	g.sinceCkpt = 0
	g.lastCkptAt = time.Now()
}

func (e *Engine) group(stream domain.StreamID, groupName string) *Group {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groups[groupKey(stream, groupName)]
}

// runGroup is the group's dispatch loop: read a batch forward from the
// cursor, hand events to the configured strategy, track deadlines, and
// requeue timed-out events as retries.
func (e *Engine) runGroup(g *Group) {
	ticker := time.NewTicker(g.Settings.MessageTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			e.reapTimeouts(g)
		default:
		}

		g.mu.Lock()
		if len(g.consumers) == 0 || len(g.inFlight) >= g.Settings.ReadBatchSize*4 {
			g.mu.Unlock()
			select {
			case <-g.stopCh:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		from := g.cursor
		var retry []domain.ResolvedEvent
		for _, inf := range g.inFlight {
			if inf.consumerID == "" {
				retry = append(retry, inf.event)
			}
		}
		g.mu.Unlock()

		for _, re := range retry {
			if !e.dispatch(g, re) {
				break
			}
		}

		slice, err := e.rd.ReadStreamForward(g.Stream, from, g.Settings.ReadBatchSize, g.Settings.ResolveLinks)
		if err != nil {
			select {
			case <-g.stopCh:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		dispatched := 0
		for _, re := range slice.Events {
			if !e.dispatch(g, re) {
				break
			}
			dispatched++
		}

		g.mu.Lock()
		if dispatched > 0 {
			g.cursor = slice.Events[dispatched-1].Link.EventNumber + 1
		}
		empty := slice.IsEndOfStream && dispatched == len(slice.Events)
		g.mu.Unlock()

		if empty || dispatched == 0 {
			select {
			case <-g.stopCh:
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

func (e *Engine) dispatch(g *Group, re domain.ResolvedEvent) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.consumers) == 0 {
		return false
	}

	var chosen *Consumer
	switch g.Settings.Strategy {
	case DispatchToSingle:
		chosen = g.consumers[0]
	case Pinned:
		key := correlationKey(re)
		if cid, ok := g.pinnedTo[key]; ok {
			chosen = findConsumer(g.consumers, cid)
		}
		if chosen == nil {
			chosen = g.consumers[g.rrIdx%len(g.consumers)]
			g.rrIdx++
			g.pinnedTo[key] = chosen.id
		}
	default: // RoundRobin
		chosen = g.consumers[g.rrIdx%len(g.consumers)]
		g.rrIdx++
	}

	select {
	case chosen.ch <- re:
	default:
		return false
	}

	id := re.Link.Event.EventID.String()
	if inf, ok := g.inFlight[id]; ok {
		inf.consumerID = chosen.id
		inf.deadline = time.Now().Add(g.Settings.MessageTimeout)
		return true
	}
	g.inFlight[id] = &inFlightEvent{event: re, consumerID: chosen.id, deadline: time.Now().Add(g.Settings.MessageTimeout)}
	return true
}

func correlationKey(re domain.ResolvedEvent) string {
	if v, ok := parseCorrelationMetadata(re.Link.Event.Metadata); ok {
		return v
	}
	return re.Link.Event.EventID.String()
}

// parseCorrelationMetadata is a minimal extraction of a
// "correlation-id" field, deliberately permissive: metadata is opaque
// bytes per the data model, and a real deployment's wire layer is
// expected to normalize it before it reaches the engine.
func parseCorrelationMetadata(metadata []byte) (string, bool) {
	const key = `"correlation-id":"`
	s := string(metadata)
	idx := indexOf(s, key)
	if idx < 0 {
		return "", false
	}
	rest := s[idx+len(key):]
	end := indexOf(rest, `"`)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func findConsumer(consumers []*Consumer, id string) *Consumer {
	for _, c := range consumers {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (e *Engine) reapTimeouts(g *Group) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	for id, inf := range g.inFlight {
		if inf.deadline.IsZero() || now.Before(inf.deadline) {
			continue
		}
		inf.retries++
		if inf.retries > g.Settings.MaxRetries {
			g.parkLocked(id, inf)
		} else {
			inf.consumerID = ""
			inf.deadline = time.Time{}
		}
	}
}

// hashCorrelation is kept for callers that want deterministic consumer
// selection from a raw correlation id without string-based pinning
// bookkeeping.
func hashCorrelation(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

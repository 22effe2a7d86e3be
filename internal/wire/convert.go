package wire

import (
	"time"

	"github.com/google/uuid"

	"chronicles/internal/domain"
	"chronicles/internal/persistent"
	"chronicles/internal/reader"
)

func toEventMessage(e domain.Event) *EventMessage {
	return &EventMessage{
		EventId:         e.EventID.String(),
		EventType:       e.EventType,
		IsJson:          e.IsJSON,
		Data:            e.Data,
		Metadata:        e.Metadata,
		CreatedAtUnixNs: e.CreatedAt.UnixNano(),
	}
}

func fromEventMessage(m *EventMessage) (domain.Event, error) {
	id := uuid.New()
	if m.EventId != "" {
		parsed, err := uuid.Parse(m.EventId)
		if err != nil {
			return domain.Event{}, err
		}
		id = parsed
	}
	return domain.Event{
		EventID:   id,
		EventType: m.EventType,
		IsJSON:    m.IsJson,
		Data:      m.Data,
		Metadata:  m.Metadata,
	}, nil
}

func toRecordedMessage(r domain.RecordedEvent) *RecordedEventMessage {
	return &RecordedEventMessage{
		Stream:          string(r.Stream),
		EventNumber:     int64(r.EventNumber),
		CommitPosition:  r.Position.Commit,
		PreparePosition: r.Position.Prepare,
		Event:           toEventMessage(r.Event),
	}
}

func toResolvedMessage(r domain.ResolvedEvent) *ResolvedEventMessage {
	out := &ResolvedEventMessage{Link: toRecordedMessage(r.Link), IsResolved: r.IsResolved}
	if r.Target != nil {
		out.Target = toRecordedMessage(*r.Target)
	}
	return out
}

func toResolvedMessages(events []domain.ResolvedEvent) []*ResolvedEventMessage {
	out := make([]*ResolvedEventMessage, len(events))
	for i, e := range events {
		out[i] = toResolvedMessage(e)
	}
	return out
}

func toFilter(m *FilterMessage) (*reader.Filter, error) {
	if m == nil || len(m.Predicates) == 0 {
		return nil, nil
	}
	predicates := make([]reader.Predicate, len(m.Predicates))
	for i, p := range m.Predicates {
		predicates[i] = reader.Predicate{
			Field:   filterField(p.Field),
			Mode:    filterMode(p.Mode),
			Pattern: p.Pattern,
		}
	}
	return reader.NewFilter(predicates...)
}

func filterField(s string) reader.PredicateField {
	if s == "event_type" {
		return reader.FieldEventType
	}
	return reader.FieldStreamID
}

func toSubscriptionSettings(m *SubscriptionSettingsMessage) persistent.Settings {
	if m == nil {
		return persistent.Settings{}
	}
	return persistent.Settings{
		StartFrom:          domain.EventNumber(m.StartFrom),
		ResolveLinks:       m.ResolveLinks,
		MessageTimeout:     time.Duration(m.MessageTimeoutMs) * time.Millisecond,
		MaxRetries:         int(m.MaxRetries),
		LiveBufferSize:     int(m.LiveBufferSize),
		ReadBatchSize:      int(m.ReadBatchSize),
		HistoryBufferSize:  int(m.HistoryBufferSize),
		CheckpointAfter:    time.Duration(m.CheckpointAfterMs) * time.Millisecond,
		MinCheckpointCount: int(m.MinCheckpointCount),
		MaxCheckpointCount: int(m.MaxCheckpointCount),
		MaxSubscribers:     int(m.MaxSubscribers),
		Strategy:           subscriptionStrategy(m.Strategy),
	}
}

func subscriptionStrategy(s string) persistent.Strategy {
	switch s {
	case "dispatch_to_single":
		return persistent.DispatchToSingle
	case "pinned":
		return persistent.Pinned
	default:
		return persistent.RoundRobin
	}
}

func filterMode(s string) reader.PredicateMode {
	switch s {
	case "suffix":
		return reader.ModeSuffix
	case "regex":
		return reader.ModeRegex
	default:
		return reader.ModePrefix
	}
}

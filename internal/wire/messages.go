package wire

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

// Operation names which of the six core component operations (plus the
// three subscription kinds and the two housekeeping calls) a Request
// carries. Grounded in the teacher's protocol.go Operation enum,
// generalized from the partitioned-chronicle RPCs to the append/read/
// subscribe surface of this store.
type Operation int32

const (
	OperationUnknown              Operation = 0
	OperationAppend                Operation = 1
	OperationAppendBatch            Operation = 2
	OperationReadEvent              Operation = 3
	OperationReadStreamForward       Operation = 4
	OperationReadStreamBackward      Operation = 5
	OperationReadAllForward          Operation = 6
	OperationReadAllBackward         Operation = 7
	OperationSubscribeLive           Operation = 8
	OperationSubscribeCatchUp        Operation = 9
	OperationSubscribeFilteredAll    Operation = 10
	OperationSubscriptionAck         Operation = 11
	OperationSubscriptionNack        Operation = 12
	OperationUnsubscribe             Operation = 13
	OperationPing                    Operation = 14
	OperationHealth                  Operation = 15
	OperationSubscriptionCreate      Operation = 16
	OperationSubscriptionUpdate      Operation = 17
	OperationSubscriptionDelete      Operation = 18
)

// ErrorCode mirrors the domain error taxonomy (client-input, transient,
// fatal) over the wire, per the teacher's ErrorCode enum.
type ErrorCode int32

const (
	ErrorCodeOK                    ErrorCode = 0
	ErrorCodeBadRequest            ErrorCode = 1
	ErrorCodeWrongExpectedVersion  ErrorCode = 2
	ErrorCodeStreamDeleted         ErrorCode = 3
	ErrorCodeNotFound              ErrorCode = 4
	ErrorCodeCommitTimeout         ErrorCode = 5
	ErrorCodeTooBusy               ErrorCode = 6
	ErrorCodeAccessDenied          ErrorCode = 7
	ErrorCodeInternal              ErrorCode = 8
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorCodeOK:
		return "ok"
	case ErrorCodeBadRequest:
		return "bad_request"
	case ErrorCodeWrongExpectedVersion:
		return "wrong_expected_version"
	case ErrorCodeStreamDeleted:
		return "stream_deleted"
	case ErrorCodeNotFound:
		return "not_found"
	case ErrorCodeCommitTimeout:
		return "commit_timeout"
	case ErrorCodeTooBusy:
		return "too_busy"
	case ErrorCodeAccessDenied:
		return "access_denied"
	case ErrorCodeInternal:
		return "internal"
	default:
		return fmt.Sprintf("error_code(%d)", int32(e))
	}
}

// Request is the envelope for every client-initiated call. Exactly one of
// the operation-specific fields is populated, selected by Operation.
type Request struct {
	RequestId   string            `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken   string            `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation   int32             `protobuf:"varint,3,opt,name=operation,proto3"`
	Append      *AppendRequest    `protobuf:"bytes,4,opt,name=append,proto3"`
	ReadEvent   *ReadEventRequest `protobuf:"bytes,5,opt,name=read_event,json=readEvent,proto3"`
	ReadStream  *ReadStreamRequest `protobuf:"bytes,6,opt,name=read_stream,json=readStream,proto3"`
	ReadAll     *ReadAllRequest   `protobuf:"bytes,7,opt,name=read_all,json=readAll,proto3"`
	Subscribe   *SubscribeRequest `protobuf:"bytes,8,opt,name=subscribe,proto3"`
	Ack         *AckRequest       `protobuf:"bytes,9,opt,name=ack,proto3"`
	Nack        *NackRequest      `protobuf:"bytes,10,opt,name=nack,proto3"`
	Ping        *PingRequest      `protobuf:"bytes,11,opt,name=ping,proto3"`
	SubCreate   *CreateSubscriptionRequest `protobuf:"bytes,12,opt,name=sub_create,json=subCreate,proto3"`
	SubUpdate   *UpdateSubscriptionRequest `protobuf:"bytes,13,opt,name=sub_update,json=subUpdate,proto3"`
	SubDelete   *DeleteSubscriptionRequest `protobuf:"bytes,14,opt,name=sub_delete,json=subDelete,proto3"`
}

func (*Request) Reset()         {}
func (*Request) String() string { return "Request" }
func (*Request) ProtoMessage()  {}

// Response is the envelope for every reply, including out-of-band
// subscription push frames (RequestId stays the subscribe call's
// request id; Push carries the asynchronous frame).
type Response struct {
	RequestId    string         `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32          `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string         `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Append       *AppendResponse `protobuf:"bytes,4,opt,name=append,proto3"`
	ReadEvent    *ReadEventResponse `protobuf:"bytes,5,opt,name=read_event,json=readEvent,proto3"`
	ReadStream   *ReadStreamResponse `protobuf:"bytes,6,opt,name=read_stream,json=readStream,proto3"`
	ReadAll      *ReadAllResponse `protobuf:"bytes,7,opt,name=read_all,json=readAll,proto3"`
	Push         *PushFrame     `protobuf:"bytes,8,opt,name=push,proto3"`
	Pong         *PongResponse  `protobuf:"bytes,9,opt,name=pong,proto3"`
	Health       *HealthResponse `protobuf:"bytes,10,opt,name=health,proto3"`
}

func (*Response) Reset()         {}
func (*Response) String() string { return "Response" }
func (*Response) ProtoMessage()  {}

// EventMessage is the wire shape of domain.Event.
type EventMessage struct {
	EventId         string `protobuf:"bytes,1,opt,name=event_id,json=eventId,proto3"`
	EventType       string `protobuf:"bytes,2,opt,name=event_type,json=eventType,proto3"`
	IsJson          bool   `protobuf:"varint,3,opt,name=is_json,json=isJson,proto3"`
	Data            []byte `protobuf:"bytes,4,opt,name=data,proto3"`
	Metadata        []byte `protobuf:"bytes,5,opt,name=metadata,proto3"`
	CreatedAtUnixNs int64  `protobuf:"varint,6,opt,name=created_at_unix_ns,json=createdAtUnixNs,proto3"`
}

func (*EventMessage) Reset()         {}
func (*EventMessage) String() string { return "EventMessage" }
func (*EventMessage) ProtoMessage()  {}

// RecordedEventMessage is the wire shape of domain.RecordedEvent.
type RecordedEventMessage struct {
	Stream          string        `protobuf:"bytes,1,opt,name=stream,proto3"`
	EventNumber     int64         `protobuf:"varint,2,opt,name=event_number,json=eventNumber,proto3"`
	CommitPosition  int64         `protobuf:"varint,3,opt,name=commit_position,json=commitPosition,proto3"`
	PreparePosition int64         `protobuf:"varint,4,opt,name=prepare_position,json=preparePosition,proto3"`
	Event           *EventMessage `protobuf:"bytes,5,opt,name=event,proto3"`
}

func (*RecordedEventMessage) Reset()         {}
func (*RecordedEventMessage) String() string { return "RecordedEventMessage" }
func (*RecordedEventMessage) ProtoMessage()  {}

// ResolvedEventMessage is the wire shape of domain.ResolvedEvent.
type ResolvedEventMessage struct {
	Link       *RecordedEventMessage `protobuf:"bytes,1,opt,name=link,proto3"`
	Target     *RecordedEventMessage `protobuf:"bytes,2,opt,name=target,proto3"`
	IsResolved bool                  `protobuf:"varint,3,opt,name=is_resolved,json=isResolved,proto3"`
}

func (*ResolvedEventMessage) Reset()         {}
func (*ResolvedEventMessage) String() string { return "ResolvedEventMessage" }
func (*ResolvedEventMessage) ProtoMessage()  {}

// AppendRequest carries one or more events for a single stream append,
// with an expected-version claim (see domain.EventNumber sentinels).
type AppendRequest struct {
	Stream          string          `protobuf:"bytes,1,opt,name=stream,proto3"`
	ExpectedVersion int64           `protobuf:"varint,2,opt,name=expected_version,json=expectedVersion,proto3"`
	Events          []*EventMessage `protobuf:"bytes,3,rep,name=events,proto3"`
}

func (*AppendRequest) Reset()         {}
func (*AppendRequest) String() string { return "AppendRequest" }
func (*AppendRequest) ProtoMessage()  {}

type AppendResponse struct {
	FirstEventNumber int64 `protobuf:"varint,1,opt,name=first_event_number,json=firstEventNumber,proto3"`
	CommitPosition   int64 `protobuf:"varint,2,opt,name=commit_position,json=commitPosition,proto3"`
	PreparePosition  int64 `protobuf:"varint,3,opt,name=prepare_position,json=preparePosition,proto3"`
}

func (*AppendResponse) Reset()         {}
func (*AppendResponse) String() string { return "AppendResponse" }
func (*AppendResponse) ProtoMessage()  {}

type ReadEventRequest struct {
	Stream       string `protobuf:"bytes,1,opt,name=stream,proto3"`
	EventNumber  int64  `protobuf:"varint,2,opt,name=event_number,json=eventNumber,proto3"`
	ResolveLinks bool   `protobuf:"varint,3,opt,name=resolve_links,json=resolveLinks,proto3"`
}

func (*ReadEventRequest) Reset()         {}
func (*ReadEventRequest) String() string { return "ReadEventRequest" }
func (*ReadEventRequest) ProtoMessage()  {}

type ReadEventResponse struct {
	Event *ResolvedEventMessage `protobuf:"bytes,1,opt,name=event,proto3"`
}

func (*ReadEventResponse) Reset()         {}
func (*ReadEventResponse) String() string { return "ReadEventResponse" }
func (*ReadEventResponse) ProtoMessage()  {}

// ReadStreamRequest covers both ReadStreamForward and ReadStreamBackward;
// the Operation field on the enclosing Request selects direction.
type ReadStreamRequest struct {
	Stream       string `protobuf:"bytes,1,opt,name=stream,proto3"`
	From         int64  `protobuf:"varint,2,opt,name=from,proto3"`
	Count        int32  `protobuf:"varint,3,opt,name=count,proto3"`
	ResolveLinks bool   `protobuf:"varint,4,opt,name=resolve_links,json=resolveLinks,proto3"`
}

func (*ReadStreamRequest) Reset()         {}
func (*ReadStreamRequest) String() string { return "ReadStreamRequest" }
func (*ReadStreamRequest) ProtoMessage()  {}

type ReadStreamResponse struct {
	Events          []*ResolvedEventMessage `protobuf:"bytes,1,rep,name=events,proto3"`
	NextEventNumber int64                   `protobuf:"varint,2,opt,name=next_event_number,json=nextEventNumber,proto3"`
	IsEndOfStream   bool                    `protobuf:"varint,3,opt,name=is_end_of_stream,json=isEndOfStream,proto3"`
	TailAtRead      int64                   `protobuf:"varint,4,opt,name=tail_at_read,json=tailAtRead,proto3"`
}

func (*ReadStreamResponse) Reset()         {}
func (*ReadStreamResponse) String() string { return "ReadStreamResponse" }
func (*ReadStreamResponse) ProtoMessage()  {}

// FilterPredicateMessage is the wire shape of reader.Predicate.
type FilterPredicateMessage struct {
	Field   string `protobuf:"bytes,1,opt,name=field,proto3"`
	Mode    string `protobuf:"bytes,2,opt,name=mode,proto3"`
	Pattern string `protobuf:"bytes,3,opt,name=pattern,proto3"`
}

func (*FilterPredicateMessage) Reset()         {}
func (*FilterPredicateMessage) String() string { return "FilterPredicateMessage" }
func (*FilterPredicateMessage) ProtoMessage()  {}

type FilterMessage struct {
	Predicates []*FilterPredicateMessage `protobuf:"bytes,1,rep,name=predicates,proto3"`
}

func (*FilterMessage) Reset()         {}
func (*FilterMessage) String() string { return "FilterMessage" }
func (*FilterMessage) ProtoMessage()  {}

// ReadAllRequest covers both ReadAllForward and ReadAllBackward.
type ReadAllRequest struct {
	FromCommit      int64          `protobuf:"varint,1,opt,name=from_commit,json=fromCommit,proto3"`
	FromPrepare     int64          `protobuf:"varint,2,opt,name=from_prepare,json=fromPrepare,proto3"`
	MaxCount        int32          `protobuf:"varint,3,opt,name=max_count,json=maxCount,proto3"`
	MaxSearchWindow int32          `protobuf:"varint,4,opt,name=max_search_window,json=maxSearchWindow,proto3"`
	Filter          *FilterMessage `protobuf:"bytes,5,opt,name=filter,proto3"`
}

func (*ReadAllRequest) Reset()         {}
func (*ReadAllRequest) String() string { return "ReadAllRequest" }
func (*ReadAllRequest) ProtoMessage()  {}

type ReadAllResponse struct {
	Events        []*ResolvedEventMessage `protobuf:"bytes,1,rep,name=events,proto3"`
	NextCommit    int64                   `protobuf:"varint,2,opt,name=next_commit,json=nextCommit,proto3"`
	NextPrepare   int64                   `protobuf:"varint,3,opt,name=next_prepare,json=nextPrepare,proto3"`
	IsEndOfStream bool                    `protobuf:"varint,4,opt,name=is_end_of_stream,json=isEndOfStream,proto3"`
}

func (*ReadAllResponse) Reset()         {}
func (*ReadAllResponse) String() string { return "ReadAllResponse" }
func (*ReadAllResponse) ProtoMessage()  {}

// SubscribeRequest selects one of the three subscription kinds via the
// enclosing Request's Operation (Live, CatchUp, FilteredAll). Stream is
// ignored for FilteredAll; FromCommit/FromPrepare are ignored except for
// FilteredAll.
type SubscribeRequest struct {
	Stream          string         `protobuf:"bytes,1,opt,name=stream,proto3"`
	FromEventNumber int64          `protobuf:"varint,2,opt,name=from_event_number,json=fromEventNumber,proto3"`
	FromCommit      int64          `protobuf:"varint,3,opt,name=from_commit,json=fromCommit,proto3"`
	FromPrepare     int64          `protobuf:"varint,4,opt,name=from_prepare,json=fromPrepare,proto3"`
	Filter          *FilterMessage `protobuf:"bytes,5,opt,name=filter,proto3"`
	CheckpointEvery int32          `protobuf:"varint,6,opt,name=checkpoint_every,json=checkpointEvery,proto3"`
	ConsumerGroup   string         `protobuf:"bytes,7,opt,name=consumer_group,json=consumerGroup,proto3"`
	ConsumerId      string         `protobuf:"bytes,8,opt,name=consumer_id,json=consumerId,proto3"`
}

func (*SubscribeRequest) Reset()         {}
func (*SubscribeRequest) String() string { return "SubscribeRequest" }
func (*SubscribeRequest) ProtoMessage()  {}

// PushFrameKind names which variant of an asynchronous subscription push
// is populated.
type PushFrameKind int32

const (
	PushKindEvent                  PushFrameKind = 0
	PushKindCheckpoint              PushFrameKind = 1
	PushKindLiveProcessingStarted   PushFrameKind = 2
	PushKindSubscriptionDropped     PushFrameKind = 3
)

// PushFrame is an asynchronous frame delivered on a subscribed
// connection, outside the request/response cadence: EventAppeared,
// Checkpoint, LiveProcessingStarted, or SubscriptionDropped{reason}.
type PushFrame struct {
	Kind              int32                 `protobuf:"varint,1,opt,name=kind,proto3"`
	Event             *ResolvedEventMessage `protobuf:"bytes,2,opt,name=event,proto3"`
	CheckpointCommit  int64                 `protobuf:"varint,3,opt,name=checkpoint_commit,json=checkpointCommit,proto3"`
	CheckpointPrepare int64                 `protobuf:"varint,4,opt,name=checkpoint_prepare,json=checkpointPrepare,proto3"`
	DropReason        string                `protobuf:"bytes,5,opt,name=drop_reason,json=dropReason,proto3"`
}

func (*PushFrame) Reset()         {}
func (*PushFrame) String() string { return "PushFrame" }
func (*PushFrame) ProtoMessage()  {}

type AckRequest struct {
	Stream        string   `protobuf:"bytes,1,opt,name=stream,proto3"`
	ConsumerGroup string   `protobuf:"bytes,2,opt,name=consumer_group,json=consumerGroup,proto3"`
	EventIds      []string `protobuf:"bytes,3,rep,name=event_ids,json=eventIds,proto3"`
}

func (*AckRequest) Reset()         {}
func (*AckRequest) String() string { return "AckRequest" }
func (*AckRequest) ProtoMessage()  {}

type NackRequest struct {
	Stream        string   `protobuf:"bytes,1,opt,name=stream,proto3"`
	ConsumerGroup string   `protobuf:"bytes,2,opt,name=consumer_group,json=consumerGroup,proto3"`
	EventIds      []string `protobuf:"bytes,3,rep,name=event_ids,json=eventIds,proto3"`
	Action        string   `protobuf:"bytes,4,opt,name=action,proto3"`
}

func (*NackRequest) Reset()         {}
func (*NackRequest) String() string { return "NackRequest" }
func (*NackRequest) ProtoMessage()  {}

// SubscriptionSettingsMessage is the wire shape of persistent.Settings.
// Strategy is one of "round_robin", "dispatch_to_single", "pinned".
type SubscriptionSettingsMessage struct {
	StartFrom          int64  `protobuf:"varint,1,opt,name=start_from,json=startFrom,proto3"`
	ResolveLinks       bool   `protobuf:"varint,2,opt,name=resolve_links,json=resolveLinks,proto3"`
	MessageTimeoutMs   int64  `protobuf:"varint,3,opt,name=message_timeout_ms,json=messageTimeoutMs,proto3"`
	MaxRetries         int32  `protobuf:"varint,4,opt,name=max_retries,json=maxRetries,proto3"`
	LiveBufferSize     int32  `protobuf:"varint,5,opt,name=live_buffer_size,json=liveBufferSize,proto3"`
	ReadBatchSize      int32  `protobuf:"varint,6,opt,name=read_batch_size,json=readBatchSize,proto3"`
	HistoryBufferSize  int32  `protobuf:"varint,7,opt,name=history_buffer_size,json=historyBufferSize,proto3"`
	CheckpointAfterMs  int64  `protobuf:"varint,8,opt,name=checkpoint_after_ms,json=checkpointAfterMs,proto3"`
	MinCheckpointCount int32  `protobuf:"varint,9,opt,name=min_checkpoint_count,json=minCheckpointCount,proto3"`
	MaxCheckpointCount int32  `protobuf:"varint,10,opt,name=max_checkpoint_count,json=maxCheckpointCount,proto3"`
	MaxSubscribers     int32  `protobuf:"varint,11,opt,name=max_subscribers,json=maxSubscribers,proto3"`
	Strategy           string `protobuf:"bytes,12,opt,name=strategy,proto3"`
}

func (*SubscriptionSettingsMessage) Reset()         {}
func (*SubscriptionSettingsMessage) String() string { return "SubscriptionSettingsMessage" }
func (*SubscriptionSettingsMessage) ProtoMessage()  {}

// CreateSubscriptionRequest registers a new persistent subscription
// group over the wire, mirroring persistent.Engine.Create.
type CreateSubscriptionRequest struct {
	Stream        string                       `protobuf:"bytes,1,opt,name=stream,proto3"`
	ConsumerGroup string                       `protobuf:"bytes,2,opt,name=consumer_group,json=consumerGroup,proto3"`
	Settings      *SubscriptionSettingsMessage `protobuf:"bytes,3,opt,name=settings,proto3"`
}

func (*CreateSubscriptionRequest) Reset()         {}
func (*CreateSubscriptionRequest) String() string { return "CreateSubscriptionRequest" }
func (*CreateSubscriptionRequest) ProtoMessage()  {}

// UpdateSubscriptionRequest replaces the tunables of a live persistent
// subscription group, mirroring persistent.Engine.Update. StartFrom on
// Settings is ignored: a running group's position is not renegotiable.
type UpdateSubscriptionRequest struct {
	Stream        string                       `protobuf:"bytes,1,opt,name=stream,proto3"`
	ConsumerGroup string                       `protobuf:"bytes,2,opt,name=consumer_group,json=consumerGroup,proto3"`
	Settings      *SubscriptionSettingsMessage `protobuf:"bytes,3,opt,name=settings,proto3"`
}

func (*UpdateSubscriptionRequest) Reset()         {}
func (*UpdateSubscriptionRequest) String() string { return "UpdateSubscriptionRequest" }
func (*UpdateSubscriptionRequest) ProtoMessage()  {}

// DeleteSubscriptionRequest removes a persistent subscription group,
// mirroring persistent.Engine.Delete.
type DeleteSubscriptionRequest struct {
	Stream        string `protobuf:"bytes,1,opt,name=stream,proto3"`
	ConsumerGroup string `protobuf:"bytes,2,opt,name=consumer_group,json=consumerGroup,proto3"`
}

func (*DeleteSubscriptionRequest) Reset()         {}
func (*DeleteSubscriptionRequest) String() string { return "DeleteSubscriptionRequest" }
func (*DeleteSubscriptionRequest) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

// MarshalMessage and the Unmarshal* helpers wrap proto.Marshal/Unmarshal
// so callers never import the proto package directly.
func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*Request, error) {
	var req Request
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*Response, error) {
	var res Response
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

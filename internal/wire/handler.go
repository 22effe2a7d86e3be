package wire

import (
	"context"
	"fmt"
	"time"

	"chronicles/internal/domain"
	"chronicles/internal/persistent"
	"chronicles/internal/reader"
	"chronicles/internal/subscription"
)

// handle dispatches one request/response operation. Subscriptions are
// handled separately by startSubscribe since they stay open past a
// single response.
func (h *Handler) handle(ctx context.Context, req *Request) *Response {
	res := &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		res.Health = &HealthResponse{Ok: true, Message: "ok"}
	case OperationAppend, OperationAppendBatch:
		return h.handleAppend(req, res)
	case OperationReadEvent:
		return h.handleReadEvent(req, res)
	case OperationReadStreamForward:
		return h.handleReadStream(req, res, true)
	case OperationReadStreamBackward:
		return h.handleReadStream(req, res, false)
	case OperationReadAllForward:
		return h.handleReadAll(req, res, true)
	case OperationReadAllBackward:
		return h.handleReadAll(req, res, false)
	case OperationSubscriptionAck:
		return h.handleAck(req, res)
	case OperationSubscriptionNack:
		return h.handleNack(req, res)
	case OperationSubscriptionCreate:
		return h.handleSubscriptionCreate(req, res)
	case OperationSubscriptionUpdate:
		return h.handleSubscriptionUpdate(req, res)
	case OperationSubscriptionDelete:
		return h.handleSubscriptionDelete(req, res)
	default:
		return badReq(req, "unknown or unsupported operation")
	}
	return res
}

func badReq(req *Request, msg string) *Response {
	return &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func errResponse(req *Request, err error) *Response {
	return &Response{RequestId: req.RequestId, ErrorCode: int32(classify(err)), ErrorMessage: err.Error()}
}

// classify maps the domain error taxonomy onto a wire ErrorCode.
func classify(err error) ErrorCode {
	switch err.(type) {
	case *domain.ErrWrongExpectedVersion:
		return ErrorCodeWrongExpectedVersion
	case *domain.ErrStreamDeleted:
		return ErrorCodeStreamDeleted
	case *domain.ErrNotFound:
		return ErrorCodeNotFound
	case *domain.ErrCommitTimeout:
		return ErrorCodeCommitTimeout
	case *domain.ErrTooBusy:
		return ErrorCodeTooBusy
	case *domain.ErrAccessDenied:
		return ErrorCodeAccessDenied
	case *domain.ErrBadRequest:
		return ErrorCodeBadRequest
	default:
		if err == reader.ErrNoStream {
			return ErrorCodeNotFound
		}
		return ErrorCodeInternal
	}
}

func (h *Handler) handleAppend(req *Request, res *Response) *Response {
	if req.Append == nil || req.Append.Stream == "" || len(req.Append.Events) == 0 {
		return badReq(req, "append requires a stream and at least one event")
	}
	events := make([]domain.Event, 0, len(req.Append.Events))
	for _, em := range req.Append.Events {
		ev, err := fromEventMessage(em)
		if err != nil {
			return badReq(req, fmt.Sprintf("invalid event: %v", err))
		}
		events = append(events, ev)
	}
	result, err := h.Coord.Append(domain.StreamID(req.Append.Stream), domain.EventNumber(req.Append.ExpectedVersion), events)
	if err != nil {
		return errResponse(req, err)
	}
	res.Append = &AppendResponse{
		FirstEventNumber: int64(result.FirstEventNumber),
		CommitPosition:   result.LogPosition.Commit,
		PreparePosition:  result.LogPosition.Prepare,
	}
	return res
}

func (h *Handler) handleReadEvent(req *Request, res *Response) *Response {
	if req.ReadEvent == nil || req.ReadEvent.Stream == "" {
		return badReq(req, "read_event requires a stream")
	}
	re, err := h.Reader.ReadEvent(domain.StreamID(req.ReadEvent.Stream), domain.EventNumber(req.ReadEvent.EventNumber), req.ReadEvent.ResolveLinks)
	if err != nil {
		return errResponse(req, err)
	}
	res.ReadEvent = &ReadEventResponse{Event: toResolvedMessage(re)}
	return res
}

func (h *Handler) handleReadStream(req *Request, res *Response, forward bool) *Response {
	if req.ReadStream == nil || req.ReadStream.Stream == "" {
		return badReq(req, "read_stream requires a stream")
	}
	rs := req.ReadStream
	count := int(rs.Count)
	if count <= 0 {
		count = 100
	}
	var slice reader.StreamSlice
	var err error
	stream := domain.StreamID(rs.Stream)
	from := domain.EventNumber(rs.From)
	if forward {
		slice, err = h.Reader.ReadStreamForward(stream, from, count, rs.ResolveLinks)
	} else {
		slice, err = h.Reader.ReadStreamBackward(stream, from, count, rs.ResolveLinks)
	}
	if err != nil {
		return errResponse(req, err)
	}
	res.ReadStream = &ReadStreamResponse{
		Events:          toResolvedMessages(slice.Events),
		NextEventNumber: int64(slice.NextEventNumber),
		IsEndOfStream:   slice.IsEndOfStream,
		TailAtRead:      int64(slice.TailAtRead),
	}
	return res
}

func (h *Handler) handleReadAll(req *Request, res *Response, forward bool) *Response {
	if req.ReadAll == nil {
		return badReq(req, "read_all requires a position")
	}
	ra := req.ReadAll
	maxCount := int(ra.MaxCount)
	if maxCount <= 0 {
		maxCount = 256
	}
	filter, err := toFilter(ra.Filter)
	if err != nil {
		return badReq(req, fmt.Sprintf("invalid filter: %v", err))
	}
	from := domain.LogPosition{Commit: ra.FromCommit, Prepare: ra.FromPrepare}
	var slice reader.AllSlice
	if forward {
		slice, err = h.Reader.ReadAllForward(from, maxCount, filter, int(ra.MaxSearchWindow))
	} else {
		slice, err = h.Reader.ReadAllBackward(from, maxCount, filter, int(ra.MaxSearchWindow))
	}
	if err != nil {
		return errResponse(req, err)
	}
	res.ReadAll = &ReadAllResponse{
		Events:        toResolvedMessages(slice.Events),
		NextCommit:    slice.NextPosition.Commit,
		NextPrepare:   slice.NextPosition.Prepare,
		IsEndOfStream: slice.IsEndOfStream,
	}
	return res
}

func (h *Handler) handleAck(req *Request, res *Response) *Response {
	if h.Persistent == nil || req.Ack == nil {
		return badReq(req, "ack requires a persistent subscription engine and payload")
	}
	h.Persistent.Ack(domain.StreamID(req.Ack.Stream), req.Ack.ConsumerGroup, req.Ack.EventIds)
	return res
}

func (h *Handler) handleNack(req *Request, res *Response) *Response {
	if h.Persistent == nil || req.Nack == nil {
		return badReq(req, "nack requires a persistent subscription engine and payload")
	}
	h.Persistent.Nack(domain.StreamID(req.Nack.Stream), req.Nack.ConsumerGroup, req.Nack.EventIds, nackAction(req.Nack.Action))
	return res
}

func (h *Handler) handleSubscriptionCreate(req *Request, res *Response) *Response {
	if h.Persistent == nil || req.SubCreate == nil || req.SubCreate.Stream == "" || req.SubCreate.ConsumerGroup == "" {
		return badReq(req, "sub_create requires a persistent subscription engine, stream, and consumer group")
	}
	settings := toSubscriptionSettings(req.SubCreate.Settings)
	if _, err := h.Persistent.Create(domain.StreamID(req.SubCreate.Stream), req.SubCreate.ConsumerGroup, settings); err != nil {
		return errResponse(req, err)
	}
	return res
}

func (h *Handler) handleSubscriptionUpdate(req *Request, res *Response) *Response {
	if h.Persistent == nil || req.SubUpdate == nil || req.SubUpdate.Stream == "" || req.SubUpdate.ConsumerGroup == "" {
		return badReq(req, "sub_update requires a persistent subscription engine, stream, and consumer group")
	}
	settings := toSubscriptionSettings(req.SubUpdate.Settings)
	if err := h.Persistent.Update(domain.StreamID(req.SubUpdate.Stream), req.SubUpdate.ConsumerGroup, settings); err != nil {
		return errResponse(req, err)
	}
	return res
}

func (h *Handler) handleSubscriptionDelete(req *Request, res *Response) *Response {
	if h.Persistent == nil || req.SubDelete == nil || req.SubDelete.Stream == "" || req.SubDelete.ConsumerGroup == "" {
		return badReq(req, "sub_delete requires a persistent subscription engine, stream, and consumer group")
	}
	if err := h.Persistent.Delete(domain.StreamID(req.SubDelete.Stream), req.SubDelete.ConsumerGroup); err != nil {
		return errResponse(req, err)
	}
	return res
}

func nackAction(s string) persistent.NackAction {
	switch s {
	case "park":
		return persistent.NackPark
	case "skip":
		return persistent.NackSkip
	case "stop":
		return persistent.NackStop
	default:
		return persistent.NackRetry
	}
}

// startSubscribe registers a Live, CatchUp, or FilteredAll subscription
// (or, when ConsumerGroup is set, a competing-consumer connect against
// the persistent subscription engine) and returns a channel of push
// frames the caller forwards until it closes or ctx is canceled.
func (h *Handler) startSubscribe(ctx context.Context, req *Request) (*Response, <-chan *PushFrame, error) {
	if req.Subscribe == nil {
		return badReq(req, "subscribe requires a payload"), nil, fmt.Errorf("missing subscribe payload")
	}
	sr := req.Subscribe

	if sr.ConsumerGroup != "" {
		return h.startPersistentConnect(req, sr)
	}

	filter, err := toFilter(sr.Filter)
	if err != nil {
		res := badReq(req, fmt.Sprintf("invalid filter: %v", err))
		return res, nil, err
	}

	var sub *subscription.Subscriber
	switch Operation(req.Operation) {
	case OperationSubscribeLive:
		sub, err = h.Dispatcher.Live(ctx, filter)
	case OperationSubscribeCatchUp:
		sub, err = h.Dispatcher.CatchUp(ctx, domain.StreamID(sr.Stream), domain.EventNumber(sr.FromEventNumber), filter)
	case OperationSubscribeFilteredAll:
		from := domain.LogPosition{Commit: sr.FromCommit, Prepare: sr.FromPrepare}
		sub, err = h.Dispatcher.FilteredAll(ctx, from, filter, int(sr.CheckpointEvery))
	default:
		return badReq(req, "unsupported subscribe operation"), nil, fmt.Errorf("unsupported subscribe operation")
	}
	if err != nil {
		res := errResponse(req, err)
		return res, nil, err
	}

	frames := make(chan *PushFrame, subscription.DefaultQueueDepth)
	go forwardDispatcherEvents(sub, frames)
	return &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}, frames, nil
}

func forwardDispatcherEvents(sub *subscription.Subscriber, frames chan<- *PushFrame) {
	defer close(frames)
	for ev := range sub.C() {
		switch ev.Kind {
		case subscription.KindRecord:
			frames <- &PushFrame{Kind: int32(PushKindEvent), Event: toResolvedMessage(ev.Record)}
		case subscription.KindCheckpoint:
			frames <- &PushFrame{Kind: int32(PushKindCheckpoint), CheckpointCommit: ev.Checkpoint.Commit, CheckpointPrepare: ev.Checkpoint.Prepare}
		case subscription.KindLiveProcessingStarted:
			frames <- &PushFrame{Kind: int32(PushKindLiveProcessingStarted)}
		case subscription.KindDropped:
			frames <- &PushFrame{Kind: int32(PushKindSubscriptionDropped), DropReason: string(ev.DropReason)}
			return
		}
	}
}

func (h *Handler) startPersistentConnect(req *Request, sr *SubscribeRequest) (*Response, <-chan *PushFrame, error) {
	if h.Persistent == nil {
		err := fmt.Errorf("persistent subscriptions not configured")
		return badReq(req, err.Error()), nil, err
	}
	consumer, err := h.Persistent.Connect(domain.StreamID(sr.Stream), sr.ConsumerGroup, sr.ConsumerId)
	if err != nil {
		res := errResponse(req, err)
		return res, nil, err
	}
	frames := make(chan *PushFrame, subscription.DefaultQueueDepth)
	go func() {
		defer close(frames)
		for re := range consumer.C() {
			frames <- &PushFrame{Kind: int32(PushKindEvent), Event: toResolvedMessage(re)}
		}
	}()
	return &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}, frames, nil
}

package wire

import (
	"bufio"
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"chronicles/internal/chunklog"
	"chronicles/internal/commitbus"
	"chronicles/internal/coordinator"
	"chronicles/internal/domain"
	"chronicles/internal/persistent"
	"chronicles/internal/reader"
	"chronicles/internal/streamindex"
	"chronicles/internal/subscription"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestWriteFrameRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, MaxFrameSize+1)
	if err := WriteFrame(&buf, oversized); err == nil {
		t.Fatal("expected WriteFrame to reject an oversized payload")
	}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()
	log, _, err := chunklog.Open(filepath.Join(dir, "log"), 1<<20)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	recordOf := func(pos int64) (string, error) {
		_, payload, _, err := log.ReadRecord(pos)
		if err != nil {
			return "", err
		}
		pr, err := chunklog.DecodePrepare(payload)
		if err != nil {
			return "", err
		}
		return pr.StreamID, nil
	}
	idx, err := streamindex.Open(filepath.Join(dir, "index"), recordOf)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	bus := commitbus.New()
	coord := coordinator.New(log, idx, bus, coordinator.WriteModeSynchronous)
	rd := reader.New(log, idx, nil)
	dispatcher := subscription.New(bus, rd, subscription.Config{})
	engine := persistent.New(rd, coord)
	return &Handler{Coord: coord, Reader: rd, Dispatcher: dispatcher, Persistent: engine}
}

func TestHandlerAppendThenReadEvent(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	appendReq := &Request{
		RequestId: "r1",
		Operation: int32(OperationAppend),
		Append: &AppendRequest{
			Stream:          "orders-1",
			ExpectedVersion: int64(domain.NoStream),
			Events:          []*EventMessage{{EventId: uuid.New().String(), EventType: "Created", IsJson: true, Data: []byte("{}")}},
		},
	}
	res := h.handle(ctx, appendReq)
	if res.ErrorCode != int32(ErrorCodeOK) {
		t.Fatalf("append failed: %s", res.ErrorMessage)
	}
	if res.Append.FirstEventNumber != 0 {
		t.Fatalf("expected first event number 0, got %d", res.Append.FirstEventNumber)
	}

	readReq := &Request{
		RequestId: "r2",
		Operation: int32(OperationReadEvent),
		ReadEvent: &ReadEventRequest{Stream: "orders-1", EventNumber: 0},
	}
	res = h.handle(ctx, readReq)
	if res.ErrorCode != int32(ErrorCodeOK) {
		t.Fatalf("read_event failed: %s", res.ErrorMessage)
	}
	if res.ReadEvent.Event.Link.Event.EventType != "Created" {
		t.Fatalf("unexpected event type: %s", res.ReadEvent.Event.Link.Event.EventType)
	}
}

func TestHandlerAppendWrongExpectedVersion(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	appendReq := func(expected int64) *Request {
		return &Request{
			RequestId: "r",
			Operation: int32(OperationAppend),
			Append: &AppendRequest{
				Stream:          "orders-1",
				ExpectedVersion: expected,
				Events:          []*EventMessage{{EventId: uuid.New().String(), EventType: "Created", IsJson: true, Data: []byte("{}")}},
			},
		}
	}
	if res := h.handle(ctx, appendReq(int64(domain.NoStream))); res.ErrorCode != int32(ErrorCodeOK) {
		t.Fatalf("first append should succeed: %s", res.ErrorMessage)
	}
	res := h.handle(ctx, appendReq(int64(domain.NoStream)))
	if res.ErrorCode != int32(ErrorCodeWrongExpectedVersion) {
		t.Fatalf("expected wrong-expected-version error, got code %d: %s", res.ErrorCode, res.ErrorMessage)
	}
}

func TestHandlerSubscriptionCreateUpdateDeleteLifecycle(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	h.handle(ctx, &Request{
		RequestId: "a1",
		Operation: int32(OperationAppend),
		Append: &AppendRequest{
			Stream:          "orders-1",
			ExpectedVersion: int64(domain.NoStream),
			Events:          []*EventMessage{{EventId: uuid.New().String(), EventType: "Created", IsJson: true, Data: []byte("{}")}},
		},
	})

	createReq := &Request{
		RequestId: "c1",
		Operation: int32(OperationSubscriptionCreate),
		SubCreate: &CreateSubscriptionRequest{
			Stream:        "orders-1",
			ConsumerGroup: "billing",
			Settings:      &SubscriptionSettingsMessage{StartFrom: -1, MessageTimeoutMs: 1000, ReadBatchSize: 10},
		},
	}
	if res := h.handle(ctx, createReq); res.ErrorCode != int32(ErrorCodeOK) {
		t.Fatalf("create failed: %s", res.ErrorMessage)
	}
	if res := h.handle(ctx, createReq); res.ErrorCode != int32(ErrorCodeBadRequest) {
		t.Fatalf("expected duplicate create to fail, got code %d", res.ErrorCode)
	}

	updateReq := &Request{
		RequestId: "u1",
		Operation: int32(OperationSubscriptionUpdate),
		SubUpdate: &UpdateSubscriptionRequest{
			Stream:        "orders-1",
			ConsumerGroup: "billing",
			Settings:      &SubscriptionSettingsMessage{MessageTimeoutMs: 5000, MaxRetries: 3, ReadBatchSize: 10},
		},
	}
	if res := h.handle(ctx, updateReq); res.ErrorCode != int32(ErrorCodeOK) {
		t.Fatalf("update failed: %s", res.ErrorMessage)
	}
	deleteReq := &Request{
		RequestId: "d1",
		Operation: int32(OperationSubscriptionDelete),
		SubDelete: &DeleteSubscriptionRequest{Stream: "orders-1", ConsumerGroup: "billing"},
	}
	if res := h.handle(ctx, deleteReq); res.ErrorCode != int32(ErrorCodeOK) {
		t.Fatalf("delete failed: %s", res.ErrorMessage)
	}
	if res := h.handle(ctx, deleteReq); res.ErrorCode != int32(ErrorCodeNotFound) {
		t.Fatalf("expected second delete to report not found, got code %d", res.ErrorCode)
	}
	if res := h.handle(ctx, updateReq); res.ErrorCode != int32(ErrorCodeNotFound) {
		t.Fatalf("expected update of deleted group to report not found, got code %d", res.ErrorCode)
	}
}

func TestHandlerStartSubscribeLiveDeliversAppendedEvent(t *testing.T) {
	h := newTestHandler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subReq := &Request{
		RequestId: "sub1",
		Operation: int32(OperationSubscribeLive),
		Subscribe: &SubscribeRequest{},
	}
	res, frames, err := h.startSubscribe(ctx, subReq)
	if err != nil {
		t.Fatalf("startSubscribe: %v, %s", err, res.ErrorMessage)
	}

	h.handle(ctx, &Request{
		RequestId: "a1",
		Operation: int32(OperationAppend),
		Append: &AppendRequest{
			Stream:          "orders-2",
			ExpectedVersion: int64(domain.NoStream),
			Events:          []*EventMessage{{EventId: uuid.New().String(), EventType: "Created", IsJson: true, Data: []byte("{}")}},
		},
	})

	select {
	case frame := <-frames:
		if frame.Kind != int32(PushKindEvent) || frame.Event.Link.Stream != "orders-2" {
			t.Fatalf("unexpected frame: %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live push frame")
	}
}

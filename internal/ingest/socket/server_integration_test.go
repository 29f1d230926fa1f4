package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"construct/internal/domain"
	"construct/internal/keys"
	"construct/internal/storage"
)

type stubEvaluator struct {
	mu      sync.Mutex
	batches [][]json.RawMessage
	err     error
}

func (s *stubEvaluator) Evaluate(_ context.Context, pdus []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, pdus)
	return s.err
}

func (s *stubEvaluator) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

type fakeEngine struct {
	mu   sync.Mutex
	recs []storage.EventRecord
}

func (f *fakeEngine) AppendEvent(_ context.Context, rec storage.EventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeEngine) GetEvent(_ context.Context, id domain.EventID) (storage.EventRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.recs {
		if rec.EventID == id {
			return rec, true, nil
		}
	}
	return storage.EventRecord{}, false, nil
}

func (f *fakeEngine) HasEvent(ctx context.Context, id domain.EventID) (bool, error) {
	_, ok, err := f.GetEvent(ctx, id)
	return ok, err
}

func (f *fakeEngine) RoomEvents(_ context.Context, room domain.RoomID, qs storage.QuerySort, limit int) ([]storage.EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.EventRecord
	for _, rec := range f.recs {
		if rec.RoomID == room {
			out = append(out, rec)
		}
	}
	if qs == storage.SortDepthOrder {
		sort.Slice(out, func(i, j int) bool { return out[i].Depth < out[j].Depth })
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeEngine) Backfill(_ context.Context, room domain.RoomID, beforeDepth int64, limit int) ([]storage.EventRecord, error) {
	return nil, nil
}

func (f *fakeEngine) MaxSeq(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max uint64
	for _, rec := range f.recs {
		if rec.Seq > max {
			max = rec.Seq
		}
	}
	return max, nil
}

func (f *fakeEngine) AddOrigin(context.Context, domain.RoomID, domain.ServerName) error { return nil }

func (f *fakeEngine) RoomOrigins(context.Context, domain.RoomID) ([]domain.ServerName, error) {
	return nil, nil
}

func (f *fakeEngine) GetServerKey(domain.ServerName, string) (keys.Entry, bool, error) {
	return keys.Entry{}, false, nil
}

func (f *fakeEngine) PutServerKey(domain.ServerName, string, keys.Entry) error { return nil }

func (f *fakeEngine) Close() error { return nil }

func startTestServer(t *testing.T, eval *stubEvaluator, engine *fakeEngine) (string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(Config{Network: "tcp", Address: "127.0.0.1:0", AuthToken: "secret"}, eval, engine, zerolog.Nop())
	go func() { _ = s.Start(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr, func() { cancel(); _ = s.Close() }
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	t.Fatal("server not started")
	return "", nil
}

func request(t *testing.T, addr string, req *Request) *Response {
	t.Helper()
	if req.AuthToken == "" {
		req.AuthToken = "secret"
	}
	res, err := Call(context.Background(), "tcp", addr, req)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestPingAndHealth(t *testing.T) {
	engine := &fakeEngine{recs: []storage.EventRecord{{Seq: 7, EventID: "$e", RoomID: "!r:example.org"}}}
	addr, stop := startTestServer(t, &stubEvaluator{}, engine)
	defer stop()

	res := request(t, addr, &Request{RequestID: "p1", Op: OperationPing})
	if res.ErrorCode != int32(ErrorCodeOK) || res.Pong == nil || res.Pong.UnixTimeNs == 0 {
		t.Fatalf("ping response: %+v", res)
	}
	res = request(t, addr, &Request{RequestID: "h1", Op: OperationHealth})
	if res.Health == nil || !res.Health.Ok || res.Health.MaxSeq != 7 {
		t.Fatalf("health response: %+v", res.Health)
	}
}

func TestAuthTokenRejected(t *testing.T) {
	addr, stop := startTestServer(t, &stubEvaluator{}, &fakeEngine{})
	defer stop()

	res, err := Call(context.Background(), "tcp", addr, &Request{RequestID: "a1", AuthToken: "wrong", Op: OperationPing})
	if err != nil {
		t.Fatal(err)
	}
	if res.ErrorCode != int32(ErrorCodeUnauthenticated) {
		t.Fatalf("code = %d", res.ErrorCode)
	}
}

func TestPushReachesEvaluator(t *testing.T) {
	eval := &stubEvaluator{}
	addr, stop := startTestServer(t, eval, &fakeEngine{})
	defer stop()

	pdus := []json.RawMessage{json.RawMessage(`{"room_id":"!r:example.org","type":"m.room.message"}`)}
	res := request(t, addr, &Request{RequestID: "u1", Op: OperationPush, Push: &PushRequest{PDUs: pdus}})
	if res.ErrorCode != int32(ErrorCodeOK) || res.Push == nil || res.Push.Accepted != 1 {
		t.Fatalf("push response: %+v", res)
	}
	if eval.count() != 1 {
		t.Fatalf("evaluations = %d", eval.count())
	}
}

func TestPushErrorMapping(t *testing.T) {
	eval := &stubEvaluator{err: errors.Wrap(domain.ErrUnavailable, "fetch unit down")}
	addr, stop := startTestServer(t, eval, &fakeEngine{})
	defer stop()

	pdus := []json.RawMessage{json.RawMessage(`{"room_id":"!r:example.org"}`)}
	res := request(t, addr, &Request{RequestID: "e1", Op: OperationPush, Push: &PushRequest{PDUs: pdus}})
	if res.ErrorCode != int32(ErrorCodeOverloaded) {
		t.Fatalf("unavailable mapped to %d", res.ErrorCode)
	}

	eval.mu.Lock()
	eval.err = errors.Wrap(domain.ErrInvalidEvent, "failed signature")
	eval.mu.Unlock()
	res = request(t, addr, &Request{RequestID: "e2", Op: OperationPush, Push: &PushRequest{PDUs: pdus}})
	if res.ErrorCode != int32(ErrorCodeBadRequest) {
		t.Fatalf("rejection mapped to %d", res.ErrorCode)
	}
}

func TestEventAndRoomReads(t *testing.T) {
	engine := &fakeEngine{recs: []storage.EventRecord{
		{Seq: 1, EventID: "$d2", RoomID: "!r:example.org", Type: "m.room.message", Depth: 2, RawJSON: []byte(`{"event_id":"$d2"}`)},
		{Seq: 2, EventID: "$d1", RoomID: "!r:example.org", Type: "m.room.create", Depth: 1, RawJSON: []byte(`{"event_id":"$d1"}`)},
	}}
	addr, stop := startTestServer(t, &stubEvaluator{}, engine)
	defer stop()

	res := request(t, addr, &Request{RequestID: "g1", Op: OperationGetEvent, GetEvent: &EventQuery{EventID: "$d1"}})
	if res.ErrorCode != int32(ErrorCodeOK) || res.Event == nil || !res.Event.Found {
		t.Fatalf("get_event response: %+v", res)
	}
	res = request(t, addr, &Request{RequestID: "g2", Op: OperationGetEvent, GetEvent: &EventQuery{EventID: "$absent"}})
	if res.ErrorCode != int32(ErrorCodeNotFound) {
		t.Fatalf("missing event code = %d", res.ErrorCode)
	}

	res = request(t, addr, &Request{RequestID: "r1", Op: OperationRoom, Room: &RoomQuery{RoomID: "!r:example.org"}})
	if res.Room == nil || len(res.Room.Events) != 2 {
		t.Fatalf("room response: %+v", res.Room)
	}
	if res.Room.Events[0].EventID != "$d1" || res.Room.Events[1].EventID != "$d2" {
		t.Fatalf("room order: %+v", res.Room.Events)
	}
	res = request(t, addr, &Request{RequestID: "r2", Op: OperationRoom, Room: &RoomQuery{RoomID: "!empty:example.org"}})
	if res.ErrorCode != int32(ErrorCodeNotFound) {
		t.Fatalf("empty room code = %d", res.ErrorCode)
	}
}

func TestConcurrentLoad(t *testing.T) {
	eval := &stubEvaluator{}
	addr, stop := startTestServer(t, eval, &fakeEngine{})
	defer stop()

	const clients = 10
	const perClient = 20
	var wg sync.WaitGroup
	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for j := 0; j < perClient; j++ {
				pdu := json.RawMessage(fmt.Sprintf(`{"room_id":"!room-%d:example.org","type":"m.room.message"}`, c%4))
				res, err := Call(context.Background(), "tcp", addr, &Request{
					RequestID: fmt.Sprintf("%d-%d", c, j),
					AuthToken: "secret",
					Op:        OperationPush,
					Push:      &PushRequest{PDUs: []json.RawMessage{pdu}},
				})
				if err != nil {
					errCh <- err
					return
				}
				if res.ErrorCode != int32(ErrorCodeOK) {
					errCh <- fmt.Errorf("code=%d msg=%s", res.ErrorCode, res.ErrorMessage)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
	if got := eval.count(); got != clients*perClient {
		t.Fatalf("evaluations = %d, want %d", got, clients*perClient)
	}
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"collabkit.dev/collabkit/crdt"
	"collabkit.dev/collabkit/internal/jsonvalue"
	"collabkit.dev/collabkit/storage"
	"collabkit.dev/collabkit/wire"
)

// fakeTransport is an in-memory Transport that auto-answers `auth` with
// `authenticated` and records everything else the client sends.
type fakeTransport struct {
	userID string

	in     chan wire.Envelope
	sent   chan wire.Envelope
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport(userID string) *fakeTransport {
	return &fakeTransport{
		userID: userID,
		in:     make(chan wire.Envelope, 64),
		sent:   make(chan wire.Envelope, 256),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Send(env wire.Envelope) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	if env.Type == wire.TypeAuth {
		t.in <- wire.Envelope{Type: wire.TypeAuthenticated, UserID: t.userID}
		return nil
	}
	t.sent <- env
	return nil
}

func (t *fakeTransport) Receive() (wire.Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	case <-t.closed:
		return wire.Envelope{}, errors.New("transport closed")
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// push delivers a broker-originated envelope to the client.
func (t *fakeTransport) push(env wire.Envelope) { t.in <- env }

// next returns the next non-ping envelope the client sent, or fails the
// test after a timeout.
func (t *fakeTransport) next(tb testing.TB) wire.Envelope {
	tb.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-t.sent:
			if env.Type == wire.TypePing || env.Type == wire.TypePong {
				continue
			}
			return env
		case <-deadline:
			tb.Fatal("timed out waiting for client to send")
		}
	}
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failures   int
	dials      int
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	t := newFakeTransport("user-1")
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) current() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestClient(t *testing.T, dialer *fakeDialer) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = "ws://test/ws"
	cfg.TokenProvider = func() (string, error) { return "token", nil }
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	c, err := New(context.Background(), cfg, storage.NewMemory(), WithDialer(dialer), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestConnectAuthenticates(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if got := c.UserID(); got != "user-1" {
		t.Fatalf("UserID = %q, want user-1", got)
	}
	if !c.Connected() {
		t.Fatal("expected connected state")
	}
}

func TestJoinReferenceCounting(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	tr := d.current()

	ctx := context.Background()
	if err := c.Join(ctx, "doc"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if env := tr.next(t); env.Type != wire.TypeJoin || env.RoomID != "doc" {
		t.Fatalf("expected join for doc, got %+v", env)
	}
	// Second join must not hit the wire.
	if err := c.Join(ctx, "doc"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := c.Leave(ctx, "doc"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	// First leave only decrements; second sends the wire leave.
	if err := c.Leave(ctx, "doc"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if env := tr.next(t); env.Type != wire.TypeLeave || env.RoomID != "doc" {
		t.Fatalf("expected leave for doc, got %+v", env)
	}
}

func TestSetAtForwardsOperation(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	tr := d.current()

	ctx := context.Background()
	if err := c.Join(ctx, "doc"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	tr.next(t) // join

	var notified jsonvalue.Value
	c.OnState("doc", func(_ string, v jsonvalue.Value) { notified = v })

	if err := c.SetAt(ctx, "doc", []string{"title"}, jsonvalue.String("hello")); err != nil {
		t.Fatalf("SetAt: %v", err)
	}
	env := tr.next(t)
	if env.Type != wire.TypeOperation || env.RoomID != "doc" {
		t.Fatalf("expected operation envelope, got %+v", env)
	}
	op, err := crdt.Decode(env.Operation)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if op.Origin != c.NodeID() || op.Kind != crdt.OpSet {
		t.Fatalf("unexpected op %+v", op)
	}
	got, ok := notified.AsMap()
	if !ok {
		t.Fatalf("state listener got non-object %+v", notified)
	}
	if s, _ := got["title"].AsString(); s != "hello" {
		t.Fatalf("state listener saw %+v", got)
	}
	if v, ok := c.GetAt("doc", []string{"title"}); !ok {
		t.Fatal("GetAt missed the local write")
	} else if s, _ := v.AsString(); s != "hello" {
		t.Fatalf("GetAt = %+v", v)
	}
}

func TestOfflineEnqueueAndReplayOrder(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	ctx := context.Background()
	if err := c.Join(ctx, "doc"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// Disconnected: five writes land in the offline queue.
	for i := 0; i < 5; i++ {
		if err := c.SetAt(ctx, "doc", []string{"k"}, jsonvalue.Number(float64(i))); err != nil {
			t.Fatalf("SetAt: %v", err)
		}
	}
	if got := c.Queue().Size(); got != 5 {
		t.Fatalf("queue size = %d, want 5", got)
	}

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	tr := d.current()

	// Rejoin goes out first, then the five queued operations in order.
	if env := tr.next(t); env.Type != wire.TypeJoin {
		t.Fatalf("expected join first, got %+v", env)
	}
	var last float64 = -1
	for i := 0; i < 5; i++ {
		env := tr.next(t)
		if env.Type != wire.TypeOperation {
			t.Fatalf("expected operation, got %+v", env)
		}
		op, err := crdt.Decode(env.Operation)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		n, _ := op.Value.AsFloat64()
		if n <= last {
			t.Fatalf("replay out of order: %v after %v", n, last)
		}
		last = n
	}
	if !c.Queue().IsEmpty() {
		t.Fatalf("queue not drained, size %d", c.Queue().Size())
	}
}

func TestCallCorrelation(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	tr := d.current()

	ctx := context.Background()
	if err := c.Join(ctx, "doc"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	tr.next(t) // join

	type res struct {
		v   jsonvalue.Value
		err error
	}
	results := make(chan res, 2)
	for i := 0; i < 2; i++ {
		go func() {
			v, err := c.Call(ctx, "doc", "echo", jsonvalue.Null)
			results <- res{v: v, err: err}
		}()
	}

	first := tr.next(t)
	second := tr.next(t)
	if first.CallID == second.CallID {
		t.Fatal("call ids must be distinct")
	}
	// Answer in reverse order; each caller must still get its own value.
	ok := true
	tr.push(wire.Envelope{Type: wire.TypeCallResult, RoomID: "doc", CallID: second.CallID, Success: &ok, Result: jsonvalue.String("second")})
	tr.push(wire.Envelope{Type: wire.TypeCallResult, RoomID: "doc", CallID: first.CallID, Success: &ok, Result: jsonvalue.String("first")})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Call: %v", r.err)
		}
		s, _ := r.v.AsString()
		seen[s] = true
	}
	if !seen["first"] || !seen["second"] {
		t.Fatalf("results misrouted: %v", seen)
	}
}

func TestCallTimeout(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	c.cfg.CallTimeout = 20 * time.Millisecond
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	_, err := c.Call(context.Background(), "doc", "slow_fn", jsonvalue.Null)
	var cf *CallFailedError
	if !errors.As(err, &cf) {
		t.Fatalf("expected CallFailedError, got %v", err)
	}
}

func TestInboundOperationAppliesAndNotifies(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	tr := d.current()

	ctx := context.Background()
	if err := c.Join(ctx, "doc"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	tr.next(t) // join

	applied := make(chan crdt.Operation, 1)
	c.OnOperation("doc", func(_ string, op crdt.Operation) { applied <- op })

	remote := crdt.NewMap("remote-node")
	op, err := remote.Set([]string{"cursor"}, jsonvalue.Number(7))
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	data, err := crdt.Encode(op)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	tr.push(wire.Envelope{Type: wire.TypeOperation, RoomID: "doc", UserID: "other", Operation: json.RawMessage(data)})

	select {
	case got := <-applied:
		if got.ID != op.ID {
			t.Fatalf("listener saw op %s, want %s", got.ID, op.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("operation listener never fired")
	}
	if v, ok := c.GetAt("doc", []string{"cursor"}); !ok {
		t.Fatal("inbound operation not applied")
	} else if n, _ := v.AsFloat64(); n != 7 {
		t.Fatalf("GetAt = %+v", v)
	}
}

func TestListenerPanicDoesNotStopDispatch(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	tr := d.current()

	ctx := context.Background()
	if err := c.Join(ctx, "doc"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	tr.next(t)

	c.OnState("doc", func(string, jsonvalue.Value) { panic("listener bug") })
	survived := false
	c.OnState("doc", func(string, jsonvalue.Value) { survived = true })

	if err := c.SetAt(ctx, "doc", []string{"x"}, jsonvalue.Bool(true)); err != nil {
		t.Fatalf("SetAt: %v", err)
	}
	if !survived {
		t.Fatal("second listener was not notified after the first panicked")
	}
}

func TestReconnectAfterTransportDrop(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	events := make(chan ConnectionEvent, 8)
	c.OnConnection(func(ev ConnectionEvent) { events <- ev })

	d.current().Close()

	sawDown, sawUp := false, false
	deadline := time.After(3 * time.Second)
	for !(sawDown && sawUp) {
		select {
		case ev := <-events:
			if ev.Connected {
				sawUp = true
			} else {
				sawDown = true
			}
		case <-deadline:
			t.Fatalf("reconnect incomplete: down=%v up=%v", sawDown, sawUp)
		}
	}
	if d.dialCount() < 2 {
		t.Fatalf("expected a redial, got %d dials", d.dialCount())
	}
}

func TestPendingCallsRejectedOnDisconnect(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	c.cfg.MaxReconnects = 0
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr := d.current()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "doc", "fn", jsonvalue.Null)
		errCh <- err
	}()
	tr.next(t) // wait for the call to be on the wire
	tr.Close()

	select {
	case err := <-errCh:
		var cf *CallFailedError
		if !errors.As(err, &cf) {
			t.Fatalf("expected CallFailedError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not rejected on disconnect")
	}
}

// Package client implements the CollabKit client session engine: connection
// lifecycle with exponential-backoff reconnect, a
// reference-counted room registry holding a local CRDT mirror per room, a
// durable offline operation queue replayed after reconnect, correlated
// function calls, and presence propagation.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"collabkit.dev/collabkit/crdt"
	"collabkit.dev/collabkit/internal/jsonvalue"
	"collabkit.dev/collabkit/queue"
	"collabkit.dev/collabkit/storage"
	"collabkit.dev/collabkit/wire"
)

// ConnectionEvent is delivered to connection listeners on connect,
// disconnect, and reconnect exhaustion.
type ConnectionEvent struct {
	Connected bool
	Err       error
}

// ConnectionListener observes connection lifecycle transitions.
type ConnectionListener func(ConnectionEvent)

// callOutcome is one resolved function call, delivered on the waiting
// caller's channel.
type callOutcome struct {
	result jsonvalue.Value
	err    error
}

// CallFailedError reports a function call that the broker answered with
// success=false, or that timed out or was severed by a disconnect. It also
// reports a request that could not be sent because no transport is
// connected, and an `auth` the broker rejected during Connect.
type CallFailedError struct {
	FunctionName string
	Reason       string
}

func (e *CallFailedError) Error() string {
	return fmt.Sprintf("client: call %s failed: %s", e.FunctionName, e.Reason)
}

// NotJoinedError reports an operation against a room the client has not
// joined.
type NotJoinedError struct{ RoomID string }

func (e *NotJoinedError) Error() string { return "client: not joined to room: " + e.RoomID }

// Client is the client-side session engine. All public methods are safe for
// concurrent use; internally every mutation of registry and replica state
// serializes through mu, so listeners observe writes in a single order.
type Client struct {
	cfg    Config
	dialer Dialer
	log    *logrus.Logger

	nodeID string

	mu            sync.Mutex
	transport     Transport
	connected     bool
	intentional   bool
	userID        string
	rooms         map[string]*roomState
	pending       map[string]chan callOutcome
	pendingNames  map[string]string
	queue         *queue.Queue
	connListeners map[int]ConnectionListener
	nextListener  int
	loopDone      chan struct{}
}

// Option configures a Client at construction.
type Option func(*Client)

// WithDialer overrides the transport dialer (tests use an in-memory pipe).
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger overrides the client's logger.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New constructs a Client. store backs the offline queue, scoped by
// cfg.Namespace; pass nil to keep the queue purely in memory.
func New(ctx context.Context, cfg Config, store storage.Store, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		dialer:        WebSocketDialer{},
		log:           logrus.StandardLogger(),
		nodeID:        uuid.NewString(),
		rooms:         make(map[string]*roomState),
		pending:       make(map[string]chan callOutcome),
		pendingNames:  make(map[string]string),
		connListeners: make(map[int]ConnectionListener),
	}
	for _, opt := range opts {
		opt(c)
	}
	if store == nil {
		store = storage.NewMemory()
	}
	q, err := queue.Load(ctx, store, cfg.Namespace, c.log)
	if err != nil {
		return nil, err
	}
	c.queue = q
	return c, nil
}

// NodeID returns the origin ID stamped on every operation this client
// emits.
func (c *Client) NodeID() string { return c.nodeID }

// UserID returns the broker-assigned user ID, empty before the first
// successful authentication.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Queue exposes the offline queue for inspection.
func (c *Client) Queue() *queue.Queue { return c.queue }

// Connect opens the transport, authenticates (token in the first message
// body, never the URL), starts the ping interval, rejoins every registered
// room, and drains the offline queue.
func (c *Client) Connect(ctx context.Context) error {
	token := ""
	if c.cfg.TokenProvider != nil {
		t, err := c.cfg.TokenProvider()
		if err != nil {
			return err
		}
		token = t
	}

	t, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return err
	}
	if err := t.Send(wire.Envelope{Type: wire.TypeAuth, Token: token}); err != nil {
		t.Close()
		return err
	}
	env, err := t.Receive()
	if err != nil {
		t.Close()
		return err
	}
	switch env.Type {
	case wire.TypeAuthenticated:
	case wire.TypeError:
		t.Close()
		reason := "authentication failed"
		if env.Error != nil {
			reason = env.Error.Message
		}
		return &CallFailedError{FunctionName: "auth", Reason: reason}
	default:
		t.Close()
		return fmt.Errorf("client: unexpected first message %q", env.Type)
	}

	c.mu.Lock()
	c.transport = t
	c.connected = true
	c.intentional = false
	c.userID = env.UserID
	c.loopDone = make(chan struct{})
	done := c.loopDone
	roomIDs := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		roomIDs = append(roomIDs, id)
	}
	c.mu.Unlock()

	c.notifyConnection(ConnectionEvent{Connected: true})

	for _, id := range roomIDs {
		if err := t.Send(wire.Envelope{Type: wire.TypeJoin, RoomID: id}); err != nil {
			c.log.WithError(err).WithField("room_id", id).Warn("client: rejoin failed")
		}
	}
	c.drainOffline(ctx, t)

	go c.readLoop(t, done)
	go c.pingLoop(t, done)
	return nil
}

// drainOffline replays queued operations in enqueue order; at-most-once
// delivery follows from op-id idempotency on the broker side.
func (c *Client) drainOffline(ctx context.Context, t Transport) {
	for _, e := range c.queue.DrainAll(ctx) {
		data, err := crdt.Encode(e.Operation)
		if err != nil {
			c.log.WithError(err).Warn("client: dropping undecodable queued operation")
			continue
		}
		env := wire.Envelope{Type: wire.TypeOperation, RoomID: e.RoomID, Operation: json.RawMessage(data)}
		if err := t.Send(env); err != nil {
			// Transport died mid-drain: requeue and let reconnect retry.
			c.queue.Enqueue(ctx, e.RoomID, e.Operation)
		}
	}
}

// Disconnect closes the transport intentionally, suppressing reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	t := c.transport
	c.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// Connected reports whether a live transport is attached.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) readLoop(t Transport, done chan struct{}) {
	defer close(done)
	for {
		env, err := t.Receive()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		c.handleMessage(t, env)
	}
}

func (c *Client) pingLoop(t Transport, done chan struct{}) {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.Send(wire.Envelope{Type: wire.TypePing}); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleDisconnect(cause error) {
	c.mu.Lock()
	c.connected = false
	c.transport = nil
	intentional := c.intentional
	pending := c.pending
	names := c.pendingNames
	c.pending = make(map[string]chan callOutcome)
	c.pendingNames = make(map[string]string)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- callOutcome{err: &CallFailedError{FunctionName: names[id], Reason: "disconnected"}}
	}
	c.notifyConnection(ConnectionEvent{Connected: false, Err: cause})

	if !intentional {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries Connect with min(2^attempt x 1s, 30s) backoff, giving
// up after MaxReconnects attempts and surfacing the terminal error to
// connection listeners.
func (c *Client) reconnectLoop() {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		time.Sleep(c.backoff(attempt))
		c.mu.Lock()
		if c.intentional || c.connected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if err := c.Connect(context.Background()); err != nil {
			lastErr = err
			c.log.WithError(err).WithField("attempt", attempt).Warn("client: reconnect failed")
			continue
		}
		return
	}
	err := fmt.Errorf("client: reconnect attempts exhausted")
	if lastErr != nil {
		err = fmt.Errorf("client: reconnect attempts exhausted: %w", lastErr)
	}
	c.notifyConnection(ConnectionEvent{Connected: false, Err: err})
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.InitialBackoff
	if d <= 0 {
		d = time.Second
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxBackoff && c.cfg.MaxBackoff > 0 {
			return c.cfg.MaxBackoff
		}
	}
	return d
}

// Join registers interest in roomID. Only the first of N nested joins sends
// a wire `join`; later ones just bump the reference count.
func (c *Client) Join(ctx context.Context, roomID string) error {
	c.mu.Lock()
	room, ok := c.rooms[roomID]
	if !ok {
		room = newRoomState(roomID, c.nodeID)
		c.rooms[roomID] = room
	}
	room.refs++
	first := room.refs == 1
	t := c.transport
	connected := c.connected
	c.mu.Unlock()

	if first && connected && t != nil {
		return t.Send(wire.Envelope{Type: wire.TypeJoin, RoomID: roomID})
	}
	return nil
}

// Leave drops one reference to roomID; only the last leave sends a wire
// `leave` and discards the local replica.
func (c *Client) Leave(ctx context.Context, roomID string) error {
	c.mu.Lock()
	room, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	room.refs--
	last := room.refs <= 0
	if last {
		delete(c.rooms, roomID)
	}
	t := c.transport
	connected := c.connected
	c.mu.Unlock()

	if last && connected && t != nil {
		return t.Send(wire.Envelope{Type: wire.TypeLeave, RoomID: roomID})
	}
	return nil
}

// SetAt applies a local `set` at path, notifies state listeners
// synchronously, and either forwards the operation to the broker or
// enqueues it offline.
func (c *Client) SetAt(ctx context.Context, roomID string, path []string, value jsonvalue.Value) error {
	c.mu.Lock()
	room, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return &NotJoinedError{RoomID: roomID}
	}
	op, err := room.doc.Set(path, value)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	c.afterLocalOp(ctx, room, op)
	return nil
}

// DeleteAt is SetAt's symmetric delete path.
func (c *Client) DeleteAt(ctx context.Context, roomID string, path []string) error {
	c.mu.Lock()
	room, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return &NotJoinedError{RoomID: roomID}
	}
	op, err := room.doc.Delete(path)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	c.afterLocalOp(ctx, room, op)
	return nil
}

func (c *Client) afterLocalOp(ctx context.Context, room *roomState, op crdt.Operation) {
	room.version.Update(op.Origin, op.Timestamp)
	c.notifyState(room)
	c.notifyOperation(room, op)

	c.mu.Lock()
	t := c.transport
	connected := c.connected
	c.mu.Unlock()

	if !connected || t == nil {
		c.queue.Enqueue(ctx, room.id, op)
		return
	}
	data, err := crdt.Encode(op)
	if err != nil {
		c.log.WithError(err).Error("client: failed to encode local operation")
		return
	}
	if err := t.Send(wire.Envelope{Type: wire.TypeOperation, RoomID: room.id, Operation: json.RawMessage(data)}); err != nil {
		c.queue.Enqueue(ctx, room.id, op)
	}
}

// GetAt reads the materialized value at path in roomID's local replica.
func (c *Client) GetAt(roomID string, path []string) (jsonvalue.Value, bool) {
	c.mu.Lock()
	room, ok := c.rooms[roomID]
	c.mu.Unlock()
	if !ok {
		return jsonvalue.Value{}, false
	}
	return room.doc.Get(path)
}

// Members returns the last known member list for roomID.
func (c *Client) Members(roomID string) []wire.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	cp := make([]wire.User, len(room.members))
	copy(cp, room.members)
	return cp
}

// UpdatePresence stores data locally under our own user ID, notifies
// presence listeners, and sends `presence`.
func (c *Client) UpdatePresence(roomID string, data jsonvalue.Value) error {
	c.mu.Lock()
	room, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return &NotJoinedError{RoomID: roomID}
	}
	userID := c.userID
	room.presence[userID] = data
	t := c.transport
	connected := c.connected
	c.mu.Unlock()

	c.notifyPresence(room, userID, data)
	if connected && t != nil {
		return t.Send(wire.Envelope{Type: wire.TypePresence, RoomID: roomID, Presence: data})
	}
	return nil
}

// Presence returns the last observed presence entry for userID in roomID.
func (c *Client) Presence(roomID, userID string) (jsonvalue.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[roomID]
	if !ok {
		return jsonvalue.Value{}, false
	}
	v, ok := room.presence[userID]
	return v, ok
}

// Call invokes a server-registered function and blocks until its correlated
// call_result arrives, the configured call timeout passes, or ctx is
// canceled.
func (c *Client) Call(ctx context.Context, roomID, name string, args jsonvalue.Value) (jsonvalue.Value, error) {
	callID := uuid.NewString()
	ch := make(chan callOutcome, 1)

	c.mu.Lock()
	t := c.transport
	if !c.connected || t == nil {
		c.mu.Unlock()
		return jsonvalue.Value{}, &CallFailedError{FunctionName: name, Reason: "not connected"}
	}
	c.pending[callID] = ch
	c.pendingNames[callID] = name
	c.mu.Unlock()

	err := t.Send(wire.Envelope{
		Type:         wire.TypeCall,
		RoomID:       roomID,
		CallID:       callID,
		FunctionName: name,
		Args:         args,
	})
	if err != nil {
		c.dropPending(callID)
		return jsonvalue.Value{}, err
	}

	timeout := c.cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-timer.C:
		c.dropPending(callID)
		return jsonvalue.Value{}, &CallFailedError{FunctionName: name, Reason: "timed out"}
	case <-ctx.Done():
		c.dropPending(callID)
		return jsonvalue.Value{}, ctx.Err()
	}
}

func (c *Client) dropPending(callID string) {
	c.mu.Lock()
	delete(c.pending, callID)
	delete(c.pendingNames, callID)
	c.mu.Unlock()
}

// RequestSync asks the broker for every operation newer than the local
// replica's version vector.
func (c *Client) RequestSync(roomID string) error {
	c.mu.Lock()
	room, ok := c.rooms[roomID]
	t := c.transport
	connected := c.connected
	c.mu.Unlock()
	if !ok {
		return &NotJoinedError{RoomID: roomID}
	}
	if !connected || t == nil {
		return &CallFailedError{FunctionName: "sync_request", Reason: "not connected"}
	}
	return t.Send(wire.Envelope{
		Type:   wire.TypeSyncRequest,
		RoomID: roomID,
		Since:  room.version.ToMap(),
	})
}

// Send forwards env directly to the broker, used by the screenshare
// coordinator for its signaling traffic.
func (c *Client) Send(env wire.Envelope) error {
	c.mu.Lock()
	t := c.transport
	connected := c.connected
	c.mu.Unlock()
	if !connected || t == nil {
		return &CallFailedError{FunctionName: string(env.Type), Reason: "not connected"}
	}
	return t.Send(env)
}

// handleMessage routes one inbound broker envelope.
func (c *Client) handleMessage(t Transport, env wire.Envelope) {
	switch env.Type {
	case wire.TypePing:
		_ = t.Send(wire.Envelope{Type: wire.TypePong})
	case wire.TypePong:
	case wire.TypeAuthenticated:
		c.mu.Lock()
		c.userID = env.UserID
		c.mu.Unlock()
	case wire.TypeJoined:
		c.handleJoined(env)
	case wire.TypeSync:
		c.handleSync(env)
	case wire.TypeOperation:
		c.handleOperation(env)
	case wire.TypePresence:
		c.handleInboundPresence(env)
	case wire.TypeCallResult:
		c.handleCallResult(env)
	case wire.TypeUserJoined:
		c.handleUserJoined(env)
	case wire.TypeUserLeft:
		c.handleUserLeft(env)
	case wire.TypeError:
		c.handleError(env)
	case wire.TypeScreenshareStarted, wire.TypeScreenshareStopped,
		wire.TypeRTCOffer, wire.TypeRTCAnswer, wire.TypeRTCICECandidate,
		wire.TypeRemoteControlRequest, wire.TypeRemoteControlResponse:
		c.forwardSignal(env)
	default:
		c.log.WithField("type", env.Type).Debug("client: ignoring unknown message type")
	}
}

func (c *Client) handleJoined(env wire.Envelope) {
	c.mu.Lock()
	room, ok := c.rooms[env.RoomID]
	if !ok {
		c.mu.Unlock()
		return
	}
	room.setMembers(env.Users)
	var err error
	if env.State != nil {
		err = room.applySnapshot(*env.State)
	}
	c.mu.Unlock()
	if err != nil {
		c.log.WithError(err).WithField("room_id", env.RoomID).Warn("client: rejected joined snapshot")
		return
	}
	c.notifyState(room)
}

func (c *Client) handleSync(env wire.Envelope) {
	c.mu.Lock()
	room, ok := c.rooms[env.RoomID]
	if !ok {
		c.mu.Unlock()
		return
	}
	var err error
	if env.State != nil {
		err = room.applySnapshot(*env.State)
	}
	if err == nil {
		for _, raw := range env.Operations {
			op, decErr := crdt.Decode(raw)
			if decErr != nil {
				err = decErr
				break
			}
			if _, applyErr := room.doc.Apply(op); applyErr != nil {
				err = applyErr
				break
			}
			room.version.Update(op.Origin, op.Timestamp)
		}
	}
	c.mu.Unlock()
	if err != nil {
		c.log.WithError(err).WithField("room_id", env.RoomID).Warn("client: rejected sync payload")
		return
	}
	c.notifyState(room)
}

// handleOperation applies one rebroadcast operation. Our own echoes come
// back with our origin; they were already applied at write time, so they are
// not applied again and listeners are skipped, and a local write notifies
// exactly once.
func (c *Client) handleOperation(env wire.Envelope) {
	op, err := env.DecodeOperation()
	if err != nil {
		c.log.WithError(err).Warn("client: rejected inbound operation")
		return
	}
	c.mu.Lock()
	room, ok := c.rooms[env.RoomID]
	if !ok {
		c.mu.Unlock()
		return
	}
	own := op.Origin == c.nodeID
	var changed bool
	if !own {
		changed, err = room.doc.Apply(op)
		if err == nil {
			room.version.Update(op.Origin, op.Timestamp)
		}
	}
	c.mu.Unlock()
	if err != nil {
		c.log.WithError(err).WithField("room_id", env.RoomID).Warn("client: failed to apply operation")
		return
	}
	if own {
		return
	}
	if changed {
		c.notifyState(room)
	}
	c.notifyOperation(room, op)
}

func (c *Client) handleInboundPresence(env wire.Envelope) {
	c.mu.Lock()
	room, ok := c.rooms[env.RoomID]
	if ok {
		room.presence[env.UserID] = env.Presence
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.notifyPresence(room, env.UserID, env.Presence)
}

func (c *Client) handleCallResult(env wire.Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.CallID]
	name := c.pendingNames[env.CallID]
	delete(c.pending, env.CallID)
	delete(c.pendingNames, env.CallID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if env.Success != nil && *env.Success {
		ch <- callOutcome{result: env.Result}
		return
	}
	reason := "function error"
	if env.Error != nil {
		reason = env.Error.Message
	}
	ch <- callOutcome{err: &CallFailedError{FunctionName: name, Reason: reason}}
}

func (c *Client) handleUserJoined(env wire.Envelope) {
	c.mu.Lock()
	room, ok := c.rooms[env.RoomID]
	if ok && env.User != nil {
		room.addMember(*env.User)
	}
	c.mu.Unlock()
	if ok {
		c.forwardSignal(env)
	}
}

func (c *Client) handleUserLeft(env wire.Envelope) {
	c.mu.Lock()
	room, ok := c.rooms[env.RoomID]
	if ok {
		room.removeMember(env.UserID)
	}
	c.mu.Unlock()
	if ok {
		c.forwardSignal(env)
	}
}

func (c *Client) handleError(env wire.Envelope) {
	if env.Error == nil {
		return
	}
	c.log.WithFields(logrus.Fields{
		"code":    env.Error.Code,
		"room_id": env.Error.RoomID,
	}).Warn("client: broker error: " + env.Error.Message)
}

// forwardSignal hands env to the room's registered signal handler, if any.
func (c *Client) forwardSignal(env wire.Envelope) {
	c.mu.Lock()
	room, ok := c.rooms[env.RoomID]
	var h SignalHandler
	if ok {
		h = room.signalHandler
	}
	c.mu.Unlock()
	if h != nil {
		safeCall(func() { h(env) }, c.log)
	}
}

// SetSignalHandler installs the screen-share coordinator's envelope hook for
// roomID.
func (c *Client) SetSignalHandler(roomID string, h SignalHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room, ok := c.rooms[roomID]; ok {
		room.signalHandler = h
	}
}

// OnConnection registers a connection listener and returns an unsubscribe
// func.
func (c *Client) OnConnection(l ConnectionListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.connListeners[id] = l
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.connListeners, id)
	}
}

// OnState registers a state listener for roomID.
func (c *Client) OnState(roomID string, l StateListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[roomID]
	if !ok {
		return func() {}
	}
	id := c.nextListener
	c.nextListener++
	room.stateListeners[id] = l
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(room.stateListeners, id)
	}
}

// OnPresence registers a presence listener for roomID.
func (c *Client) OnPresence(roomID string, l PresenceListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[roomID]
	if !ok {
		return func() {}
	}
	id := c.nextListener
	c.nextListener++
	room.presenceListeners[id] = l
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(room.presenceListeners, id)
	}
}

// OnOperation registers an operation listener for roomID.
func (c *Client) OnOperation(roomID string, l OperationListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[roomID]
	if !ok {
		return func() {}
	}
	id := c.nextListener
	c.nextListener++
	room.operationListeners[id] = l
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(room.operationListeners, id)
	}
}

func (c *Client) notifyState(room *roomState) {
	value := room.doc.Value()
	c.mu.Lock()
	listeners := make([]StateListener, 0, len(room.stateListeners))
	for _, l := range room.stateListeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l := l
		safeCall(func() { l(room.id, value) }, c.log)
	}
}

func (c *Client) notifyPresence(room *roomState, userID string, data jsonvalue.Value) {
	c.mu.Lock()
	listeners := make([]PresenceListener, 0, len(room.presenceListeners))
	for _, l := range room.presenceListeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l := l
		safeCall(func() { l(room.id, userID, data) }, c.log)
	}
}

func (c *Client) notifyOperation(room *roomState, op crdt.Operation) {
	c.mu.Lock()
	listeners := make([]OperationListener, 0, len(room.operationListeners))
	for _, l := range room.operationListeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l := l
		safeCall(func() { l(room.id, op) }, c.log)
	}
}

func (c *Client) notifyConnection(ev ConnectionEvent) {
	c.mu.Lock()
	listeners := make([]ConnectionListener, 0, len(c.connListeners))
	for _, l := range c.connListeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l := l
		safeCall(func() { l(ev) }, c.log)
	}
}

// safeCall invokes one listener under a recover so a panicking listener
// cannot interrupt dispatch to the rest.
func safeCall(fn func(), log *logrus.Logger) {
	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", p).Error("client: listener panicked")
		}
	}()
	fn()
}

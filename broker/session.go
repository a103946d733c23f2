package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"collabkit.dev/collabkit/auth"
	"collabkit.dev/collabkit/crdt"
	"collabkit.dev/collabkit/internal/validate"
	"collabkit.dev/collabkit/ratelimit"
	"collabkit.dev/collabkit/wire"
)

// State is a session's position in the per-connection lifecycle. "Joined"
// is not a distinct State value: a session becomes able to join rooms the
// moment it authenticates, and joinedRooms tracks the membership set within
// StateAuthenticated.
type State int

const (
	StateAccepted State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender abstracts pushing one outbound Envelope to the connected client so
// Session's dispatch logic can be exercised without a real socket.
type Sender interface {
	Send(wire.Envelope) error
	Close() error
}

// Session is one connection's state machine: handshake,
// authentication, room membership, and message dispatch. All mutation is
// single-threaded per session; the broker only needs a mutex at the Room
// level where cross-session writes land.
type Session struct {
	server *Server
	sender Sender
	ip     string

	state     State
	principal auth.Principal

	joinedRooms map[string]struct{}
	limiter     *ratelimit.Limiter
	lastSeen    time.Time
	violations  int

	pendingCall context.CancelFunc // set while a `call` dispatch is in flight

	log *logrus.Logger
}

// NewSession constructs a freshly accepted Session for a connection from ip,
// using server's configuration for its rate limiter and registered
// dependencies.
func NewSession(server *Server, sender Sender, ip string) *Session {
	return &Session{
		server:      server,
		sender:      sender,
		ip:          ip,
		state:       StateAccepted,
		joinedRooms: make(map[string]struct{}),
		limiter:     ratelimit.New(server.config.RateLimit),
		lastSeen:    time.Now(),
		log:         server.log,
	}
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// Principal returns the authenticated principal, or a zero Principal before
// `auth` succeeds.
func (s *Session) Principal() auth.Principal { return s.principal }

// Dispatch decodes and routes one inbound wire message. It returns true if the
// session should remain open, false if the connection must now be closed.
func (s *Session) Dispatch(ctx context.Context, raw []byte) bool {
	s.lastSeen = time.Now()

	if err := validate.CheckSize(len(raw), validate.MaxMessageSize); err != nil {
		return s.fail(wire.ErrInvalidMessage, err.Error(), "")
	}
	env, err := wire.Decode(raw)
	if err != nil {
		return s.fail(wire.ErrInvalidMessage, err.Error(), "")
	}

	exempt := env.Type == wire.TypeAuth || isICEType(env.Type)
	if !exempt && s.state != StateClosed {
		if !s.limiter.CanSend() {
			return s.fail(wire.ErrRateLimited, "rate limit exceeded", env.RoomID)
		}
	}

	switch env.Type {
	case wire.TypeAuth:
		return s.handleAuth(ctx, env)
	case wire.TypePing:
		_ = s.sender.Send(wire.Envelope{Type: wire.TypePong})
		return true
	}

	if s.state != StateAuthenticated {
		return s.fail(wire.ErrAuthenticationFailed, "not authenticated", env.RoomID)
	}

	switch env.Type {
	case wire.TypeJoin:
		return s.handleJoin(ctx, env)
	case wire.TypeLeave:
		return s.handleLeave(env)
	case wire.TypeOperation:
		return s.handleOperation(ctx, env)
	case wire.TypePresence:
		return s.handlePresence(env)
	case wire.TypeCall:
		return s.handleCall(ctx, env)
	case wire.TypeSyncRequest:
		return s.handleSyncRequest(env)
	case wire.TypeScreenshareStart, wire.TypeScreenshareStop,
		wire.TypeRTCOffer, wire.TypeRTCAnswer, wire.TypeRTCICECandidate,
		wire.TypeRemoteControlRequest, wire.TypeRemoteControlResponse:
		return s.handleSignaling(env)
	default:
		return s.fail(wire.ErrInvalidMessage, "unknown message type", env.RoomID)
	}
}

func isICEType(t wire.Type) bool {
	return t == wire.TypeRTCOffer || t == wire.TypeRTCAnswer || t == wire.TypeRTCICECandidate
}

// fail emits a typed error to the client and decides whether to close the
// connection: repeated violations escalate to close, a single
// violation does not.
func (s *Session) fail(code wire.ErrorCode, message, roomID string) bool {
	payload := ErrorPayloadFor(code, message, roomID)
	_ = s.sender.Send(wire.Envelope{
		Type:  wire.TypeError,
		Error: &payload,
	})
	if code == wire.ErrRateLimited || code == wire.ErrInvalidMessage {
		s.violations++
		if s.violations >= s.server.config.MaxViolationsBeforeClose {
			s.state = StateClosed
			return false
		}
	}
	return true
}

// ErrorPayloadFor builds the wire.ErrorPayload for an emitted error.
func ErrorPayloadFor(code wire.ErrorCode, message, roomID string) wire.ErrorPayload {
	return wire.ErrorPayload{Code: code, Message: message, RoomID: roomID}
}

func (s *Session) handleAuth(ctx context.Context, env wire.Envelope) bool {
	if s.server.authBlocklist.IsBlocked(s.ip) {
		return s.fail(wire.ErrAuthenticationFailed, "too many failed attempts", "")
	}
	var principal auth.Principal
	if env.Token == "" && s.server.config.AllowAnonymous {
		principal = auth.Principal{ID: "anon-" + uuid.NewString()}
	} else {
		var err error
		principal, err = s.server.authenticator.Authenticate(ctx, env.Token)
		if err != nil {
			s.server.authBlocklist.RecordFailure(s.ip)
			return s.fail(wire.ErrAuthenticationFailed, "authentication failed", "")
		}
	}
	if max := s.server.config.MaxConnectionsPerUser; max > 0 &&
		s.server.connectionsForUser(principal.ID) >= max {
		return s.fail(wire.ErrRateLimited, "too many connections for user", "")
	}
	s.server.authBlocklist.Reset(s.ip)
	s.principal = principal
	s.state = StateAuthenticated
	_ = s.sender.Send(wire.Envelope{Type: wire.TypeAuthenticated, UserID: principal.ID})
	s.log.WithField("user_id", principal.ID).Info("broker: session authenticated")
	return true
}

func (s *Session) handleJoin(ctx context.Context, env wire.Envelope) bool {
	room, err := s.server.roomFor(env.RoomID)
	if err != nil {
		return s.fail(errorCodeFor(err), err.Error(), env.RoomID)
	}
	if s.server.permissions != nil && !s.server.permissions.Check(s.principal, "room:"+env.RoomID, "join") {
		return s.fail(wire.ErrPermissionDenied, "not permitted to join", env.RoomID)
	}

	snap, members := room.Join(s.principal)
	s.joinedRooms[env.RoomID] = struct{}{}

	users := make([]wire.User, len(members))
	for i, m := range members {
		users[i] = wire.User{ID: m.ID, DisplayName: m.DisplayName}
	}
	_ = s.sender.Send(wire.Envelope{
		Type:   wire.TypeJoined,
		RoomID: env.RoomID,
		UserID: s.principal.ID,
		State:  &snap,
		Users:  users,
	})
	s.server.broadcastExcept(ctx, env.RoomID, s.principal.ID, wire.Envelope{
		Type:   wire.TypeUserJoined,
		RoomID: env.RoomID,
		User:   &wire.User{ID: s.principal.ID, DisplayName: s.principal.DisplayName},
	})
	return true
}

func (s *Session) handleLeave(env wire.Envelope) bool {
	room, ok := s.server.room(env.RoomID)
	if !ok {
		return true
	}
	if _, wasJoined := s.joinedRooms[env.RoomID]; !wasJoined {
		return true
	}
	delete(s.joinedRooms, env.RoomID)
	room.Leave(s.principal)
	s.server.broadcastExcept(context.Background(), env.RoomID, s.principal.ID, wire.Envelope{
		Type:   wire.TypeUserLeft,
		RoomID: env.RoomID,
		UserID: s.principal.ID,
	})
	return true
}

func (s *Session) handleOperation(ctx context.Context, env wire.Envelope) bool {
	if _, joined := s.joinedRooms[env.RoomID]; !joined {
		return s.fail(wire.ErrPermissionDenied, "not a member of room", env.RoomID)
	}
	room, ok := s.server.room(env.RoomID)
	if !ok {
		return s.fail(wire.ErrRoomNotFound, "room not found", env.RoomID)
	}
	op, err := env.DecodeOperation()
	if err != nil {
		return s.fail(wire.ErrInvalidOperation, err.Error(), env.RoomID)
	}
	canonical, err := room.ApplyOperation(ctx, op, s.principal)
	if err != nil {
		return s.fail(errorCodeFor(err), err.Error(), env.RoomID)
	}
	opData, err := encodeOperation(canonical)
	if err != nil {
		s.log.WithError(err).Error("broker: failed to encode canonical operation")
		return true
	}
	s.server.broadcastAll(ctx, env.RoomID, wire.Envelope{
		Type:      wire.TypeOperation,
		RoomID:    env.RoomID,
		UserID:    s.principal.ID,
		Operation: opData,
	})
	return true
}

func (s *Session) handlePresence(env wire.Envelope) bool {
	if _, joined := s.joinedRooms[env.RoomID]; !joined {
		return s.fail(wire.ErrPermissionDenied, "not a member of room", env.RoomID)
	}
	room, ok := s.server.room(env.RoomID)
	if !ok {
		return s.fail(wire.ErrRoomNotFound, "room not found", env.RoomID)
	}
	merged := room.UpdatePresence(s.principal, env.Presence)
	s.server.broadcastAll(context.Background(), env.RoomID, wire.Envelope{
		Type:     wire.TypePresence,
		RoomID:   env.RoomID,
		UserID:   s.principal.ID,
		Presence: merged,
	})
	return true
}

func (s *Session) handleCall(ctx context.Context, env wire.Envelope) bool {
	room, ok := s.server.room(env.RoomID)
	if !ok {
		return s.fail(wire.ErrRoomNotFound, "room not found", env.RoomID)
	}
	callCtx, cancel := context.WithCancel(ctx)
	s.pendingCall = cancel
	defer func() { s.pendingCall = nil }()

	result, err := room.Call(callCtx, env.FunctionName, s.principal, env.Args, s.server.config.FunctionTimeout)
	success := err == nil
	resp := wire.Envelope{
		Type:    wire.TypeCallResult,
		RoomID:  env.RoomID,
		CallID:  env.CallID,
		Success: &success,
	}
	if err != nil {
		payload := ErrorPayloadFor(errorCodeFor(err), err.Error(), env.RoomID)
		resp.Error = &payload
	} else {
		resp.Result = result
	}
	_ = s.sender.Send(resp)
	return true
}

func (s *Session) handleSyncRequest(env wire.Envelope) bool {
	room, ok := s.server.room(env.RoomID)
	if !ok {
		return s.fail(wire.ErrRoomNotFound, "room not found", env.RoomID)
	}
	ops := room.OperationsSince(env.Since)
	raw := make([]json.RawMessage, 0, len(ops))
	for _, op := range ops {
		data, err := encodeOperation(op)
		if err != nil {
			s.log.WithError(err).Warn("broker: failed to encode operation for sync")
			continue
		}
		raw = append(raw, data)
	}
	snap := room.Snapshot()
	_ = s.sender.Send(wire.Envelope{
		Type:       wire.TypeSync,
		RoomID:     env.RoomID,
		State:      &snap,
		Operations: raw,
	})
	return true
}

// encodeOperation wraps crdt.Encode's output as a json.RawMessage for
// embedding in an Envelope's Operation/Operations fields.
func encodeOperation(op crdt.Operation) (json.RawMessage, error) {
	data, err := crdt.Encode(op)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// handleSignaling relays a screen-share/WebRTC message by target_user_id
// without inspecting its payload. Broadcast
// types (`screenshare_start`/`screenshare_stop` become broker-originated
// `screenshare_started`/`screenshare_stopped` to every member) are handled
// by the server's signaling coordinator hook.
func (s *Session) handleSignaling(env wire.Envelope) bool {
	return s.server.relaySignaling(s, env)
}

package broker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"collabkit.dev/collabkit/auth"
	"collabkit.dev/collabkit/permission"
	"collabkit.dev/collabkit/ratelimit"
	"collabkit.dev/collabkit/storage"
	"collabkit.dev/collabkit/wire"
)

// Server is the broker process: it upgrades WebSocket connections at
// config.Path, owns the room registry, and wires authentication,
// permissions, storage, and metrics into every Session it accepts.
type Server struct {
	config        Config
	authenticator auth.Authenticator
	permissions   permission.Manager
	store         storage.Store
	authBlocklist *ratelimit.AuthAttemptTracker
	log           *logrus.Logger
	metrics       *Metrics
	upgrader      websocket.Upgrader

	mu       sync.Mutex
	rooms    map[string]*Room
	sessions map[*Session]struct{}
}

// NewServer constructs a Server. Pass a fresh prometheus.Registerer (e.g.
// prometheus.NewRegistry()) per server instance in tests.
func NewServer(cfg Config, authn auth.Authenticator, perms permission.Manager, store storage.Store, reg prometheus.Registerer, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Server{
		config:        cfg,
		authenticator: authn,
		permissions:   perms,
		store:         store,
		authBlocklist: ratelimit.NewAuthAttemptTracker(),
		log:           log,
		metrics:       NewMetrics(reg),
		upgrader:      websocket.Upgrader{},
		rooms:         make(map[string]*Room),
		sessions:      make(map[*Session]struct{}),
	}
}

// Handler returns the server's HTTP handler: the WebSocket upgrade at
// config.Path plus /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get(s.config.Path, s.serveWS)
	return r
}

// RegisterRoom pre-creates room (for a seeded `rooms.yaml` fixture, say)
// rather than waiting for the first join.
func (s *Server) RegisterRoom(room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID()] = room
	s.metrics.ActiveRooms.Inc()
}

// Rooms returns the IDs of every room currently held in memory.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) room(id string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	return r, ok
}

// roomFor returns the room named id, auto-creating it if config allows.
func (s *Server) roomFor(id string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[id]; ok {
		return r, nil
	}
	if !s.config.AutoCreateRooms {
		return nil, &NotFoundError{RoomID: id}
	}
	r := NewRoom(id, "broker",
		WithPermissions(s.permissions),
		WithStorage(s.store),
		WithSaveOnOperation(s.config.SaveOnOperation),
		WithServerTimestamp(s.config.UseServerTimestamp),
		WithLogger(s.log),
	)
	s.rooms[id] = r
	s.metrics.ActiveRooms.Inc()
	return r, nil
}

func (s *Server) addSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
	s.metrics.ActiveConnections.Inc()
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess]; ok {
		delete(s.sessions, sess)
		s.metrics.ActiveConnections.Dec()
	}
}

// connectionsForUser counts the authenticated sessions currently held by
// userID, enforcing max_connections_per_user at auth time.
func (s *Server) connectionsForUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sess := range s.sessions {
		if sess.state == StateAuthenticated && sess.principal.ID == userID {
			n++
		}
	}
	return n
}

// sessionsInRoom returns every currently tracked session that has joined
// roomID.
func (s *Server) sessionsInRoom(roomID string) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for sess := range s.sessions {
		if _, ok := sess.joinedRooms[roomID]; ok {
			out = append(out, sess)
		}
	}
	return out
}

// broadcastAll sends env to every session joined to roomID, including the
// originator: clients filter out their own echoes by op origin.
func (s *Server) broadcastAll(_ context.Context, roomID string, env wire.Envelope) {
	for _, sess := range s.sessionsInRoom(roomID) {
		if err := sess.sender.Send(env); err != nil {
			s.log.WithError(err).WithField("room_id", roomID).Warn("broker: broadcast send failed")
		}
	}
	if env.Type == wire.TypeOperation {
		s.metrics.OperationsApplied.WithLabelValues(roomID).Inc()
	}
}

// broadcastExcept sends env to every session joined to roomID other than
// the one whose principal ID equals excludeUserID.
func (s *Server) broadcastExcept(_ context.Context, roomID, excludeUserID string, env wire.Envelope) {
	for _, sess := range s.sessionsInRoom(roomID) {
		if sess.principal.ID == excludeUserID {
			continue
		}
		if err := sess.sender.Send(env); err != nil {
			s.log.WithError(err).WithField("room_id", roomID).Warn("broker: broadcast send failed")
		}
	}
}

// relaySignaling routes screen-share traffic: room-wide broadcast for
// screenshare_start/stop, and by-target_user_id relay for everything else,
// without inspecting SDP/ICE payloads.
func (s *Server) relaySignaling(sess *Session, env wire.Envelope) bool {
	switch env.Type {
	case wire.TypeScreenshareStart:
		s.broadcastAll(context.Background(), env.RoomID, wire.Envelope{
			Type: wire.TypeScreenshareStarted, RoomID: env.RoomID, UserID: sess.principal.ID,
		})
		return true
	case wire.TypeScreenshareStop:
		s.broadcastAll(context.Background(), env.RoomID, wire.Envelope{
			Type: wire.TypeScreenshareStopped, RoomID: env.RoomID, UserID: sess.principal.ID,
		})
		return true
	default:
		env.FromUserID = sess.principal.ID
		for _, target := range s.sessionsInRoom(env.RoomID) {
			if target.principal.ID == env.TargetUserID {
				_ = target.sender.Send(env)
			}
		}
		return true
	}
}

// serveWS upgrades the HTTP request to a WebSocket and runs the session's
// read loop until the socket closes, mirroring hub.go's ServeWs/readPump
// split: one goroutine pumps inbound frames into Session.Dispatch, a second
// drains an outbound channel to the socket so a slow reader never blocks a
// broadcaster.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("broker: websocket upgrade failed")
		return
	}
	sender := newWSSender(conn)
	sess := NewSession(s, sender, remoteIP(r))
	s.addSession(sess)
	defer func() {
		s.removeSession(sess)
		if sess.pendingCall != nil {
			sess.pendingCall()
		}
		for roomID := range sess.joinedRooms {
			if room, ok := s.room(roomID); ok {
				room.Leave(sess.principal)
				s.broadcastExcept(context.Background(), roomID, sess.principal.ID, wire.Envelope{
					Type: wire.TypeUserLeft, RoomID: roomID, UserID: sess.principal.ID,
				})
			}
		}
		sender.Close()
	}()

	go sender.writePump()

	idleTimer := time.NewTimer(s.config.MessageTimeout)
	defer idleTimer.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			idleTimer.Reset(s.config.MessageTimeout)
			if !sess.Dispatch(r.Context(), data) {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-idleTimer.C:
			_ = sender.Send(wire.Envelope{Type: wire.TypePing})
			idleTimer.Reset(s.config.MessageTimeout)
		}
	}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

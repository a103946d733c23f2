// Package screenshare implements the per-room screen-share coordinator: a
// role state machine over {idle, sharer, viewer}, a
// peer-connection registry keyed by user ID, ICE candidate buffering until
// the remote description lands, an ordered `annotations` data channel, and
// remote-control request tracking. Media capture itself is delegated to the
// host platform through MediaProvider; the coordinator only moves signaling
// and data-channel payloads.
package screenshare

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"collabkit.dev/collabkit/internal/jsonvalue"
	"collabkit.dev/collabkit/wire"
)

// Role is the coordinator's position in the room's share session.
type Role int

const (
	RoleIdle Role = iota
	RoleSharer
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleIdle:
		return "idle"
	case RoleSharer:
		return "sharer"
	case RoleViewer:
		return "viewer"
	default:
		return "unknown"
	}
}

// Signaler pushes signaling envelopes onto the broker socket. *client.Client
// satisfies it.
type Signaler interface {
	Send(wire.Envelope) error
}

// Membership lists the current members of a room. *client.Client satisfies
// it.
type Membership interface {
	Members(roomID string) []wire.User
}

// MediaProvider acquires the local media track to share. The host platform
// implements it; the coordinator never touches media bits beyond handing the
// track to the peer connection.
type MediaProvider interface {
	AcquireTrack(ctx context.Context) (webrtc.TrackLocal, error)
}

// peer groups one member's peer connection with its annotations channel and
// the ICE candidates that arrived before the remote description was set.
type peer struct {
	userID        string
	conn          *webrtc.PeerConnection
	sender        *webrtc.RTPSender
	annotations   *webrtc.DataChannel
	pendingICE    []webrtc.ICECandidateInit
	remoteDescSet bool
	remoteTrack   *webrtc.TrackRemote
}

// Coordinator is the per-room screen-share state machine. All state mutates
// under mu; transitions are driven by local commands and broker envelopes,
// never by timing except the buffered-ICE flush.
type Coordinator struct {
	roomID string
	selfID string

	signaler   Signaler
	membership Membership
	media      MediaProvider
	log        *logrus.Logger

	mu         sync.Mutex
	role       Role
	sharerID   string
	localTrack webrtc.TrackLocal
	peers      map[string]*peer

	pendingControl map[string]struct{}
	controllerID   string

	onAnnotation  func(Annotation)
	onCursor      func(Cursor)
	onClear       func(authorID string)
	onRemoteTrack func(userID string, track *webrtc.TrackRemote)
	onControlReq  func(fromUserID string)
	onControlResp func(granted bool)
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// OnAnnotation sets the callback for inbound annotation packets.
func OnAnnotation(fn func(Annotation)) Option {
	return func(c *Coordinator) { c.onAnnotation = fn }
}

// OnCursor sets the callback for inbound cursor packets.
func OnCursor(fn func(Cursor)) Option {
	return func(c *Coordinator) { c.onCursor = fn }
}

// OnClearAnnotations sets the callback for inbound clear packets.
func OnClearAnnotations(fn func(authorID string)) Option {
	return func(c *Coordinator) { c.onClear = fn }
}

// OnRemoteTrack sets the callback fired when a viewer receives the sharer's
// media track.
func OnRemoteTrack(fn func(userID string, track *webrtc.TrackRemote)) Option {
	return func(c *Coordinator) { c.onRemoteTrack = fn }
}

// OnControlRequest sets the sharer-side callback for an inbound
// remote-control request.
func OnControlRequest(fn func(fromUserID string)) Option {
	return func(c *Coordinator) { c.onControlReq = fn }
}

// OnControlResponse sets the viewer-side callback for a grant/deny/revoke
// answer.
func OnControlResponse(fn func(granted bool)) Option {
	return func(c *Coordinator) { c.onControlResp = fn }
}

// WithLogger overrides the coordinator's logger.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// New constructs an idle Coordinator for roomID, identifying itself as
// selfID in all signaling.
func New(roomID, selfID string, signaler Signaler, membership Membership, media MediaProvider, opts ...Option) *Coordinator {
	c := &Coordinator{
		roomID:         roomID,
		selfID:         selfID,
		signaler:       signaler,
		membership:     membership,
		media:          media,
		log:            logrus.StandardLogger(),
		role:           RoleIdle,
		peers:          make(map[string]*peer),
		pendingControl: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Role returns the coordinator's current role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// SharerID returns the user currently sharing, empty when idle.
func (c *Coordinator) SharerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharerID
}

// StartSharing acquires a media track from the host and announces the share.
// If we are already sharing, the new track replaces the old one on every
// existing peer connection instead of tearing them down. Offer creation is
// deferred until the broker echoes `screenshare_started`.
func (c *Coordinator) StartSharing(ctx context.Context) error {
	track, err := c.media.AcquireTrack(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.role == RoleSharer {
		c.localTrack = track
		peers := snapshotPeers(c.peers)
		c.mu.Unlock()
		for _, p := range peers {
			if p.sender == nil {
				continue
			}
			if err := p.sender.ReplaceTrack(track); err != nil {
				c.log.WithError(err).WithField("peer", p.userID).Warn("screenshare: track replacement failed")
			}
		}
		return nil
	}
	c.role = RoleSharer
	c.sharerID = c.selfID
	c.localTrack = track
	c.mu.Unlock()

	return c.signaler.Send(wire.Envelope{Type: wire.TypeScreenshareStart, RoomID: c.roomID})
}

// StopSharing announces the end of the share and tears down every peer
// connection.
func (c *Coordinator) StopSharing() error {
	c.mu.Lock()
	if c.role != RoleSharer {
		c.mu.Unlock()
		return nil
	}
	peers := snapshotPeers(c.peers)
	c.peers = make(map[string]*peer)
	c.role = RoleIdle
	c.sharerID = ""
	c.localTrack = nil
	c.pendingControl = make(map[string]struct{})
	c.controllerID = ""
	c.mu.Unlock()

	for _, p := range peers {
		closePeer(p)
	}
	return c.signaler.Send(wire.Envelope{Type: wire.TypeScreenshareStop, RoomID: c.roomID})
}

// HandleEnvelope routes one signaling or membership envelope delivered over
// the broker socket. Wire it up as the room's client.SignalHandler.
func (c *Coordinator) HandleEnvelope(env wire.Envelope) {
	var err error
	switch env.Type {
	case wire.TypeScreenshareStarted:
		err = c.handleStarted(env.UserID)
	case wire.TypeScreenshareStopped:
		c.handleStopped(env.UserID)
	case wire.TypeRTCOffer:
		err = c.handleOffer(env.FromUserID, env.SDP)
	case wire.TypeRTCAnswer:
		err = c.handleAnswer(env.FromUserID, env.SDP)
	case wire.TypeRTCICECandidate:
		err = c.handleICECandidate(env.FromUserID, env.Candidate)
	case wire.TypeRemoteControlRequest:
		c.handleControlRequest(env.FromUserID)
	case wire.TypeRemoteControlResponse:
		c.handleControlResponse(env.FromUserID, env.Granted)
	case wire.TypeUserJoined:
		if env.User != nil {
			err = c.handleMemberJoined(env.User.ID)
		}
	case wire.TypeUserLeft:
		c.handleMemberLeft(env.UserID)
	}
	if err != nil {
		c.log.WithError(err).WithField("type", env.Type).Warn("screenshare: envelope handling failed")
	}
}

// handleStarted reacts to the broker's share announcement: our own echo
// triggers one offer per non-self member; someone else's makes us a viewer.
func (c *Coordinator) handleStarted(userID string) error {
	if userID == c.selfID {
		members := c.membership.Members(c.roomID)
		for _, m := range members {
			if m.ID == c.selfID {
				continue
			}
			if err := c.offerTo(m.ID); err != nil {
				c.log.WithError(err).WithField("peer", m.ID).Warn("screenshare: offer failed")
			}
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == RoleSharer {
		// A competing sharer; the broker does not arbitrate, so keep sharing.
		return nil
	}
	c.role = RoleViewer
	c.sharerID = userID
	return nil
}

// handleStopped resets viewers to idle and drops their remote streams when
// the sharer stops.
func (c *Coordinator) handleStopped(userID string) {
	c.mu.Lock()
	if userID != c.sharerID || c.role != RoleViewer {
		c.mu.Unlock()
		return
	}
	peers := snapshotPeers(c.peers)
	c.peers = make(map[string]*peer)
	c.role = RoleIdle
	c.sharerID = ""
	c.mu.Unlock()

	for _, p := range peers {
		closePeer(p)
	}
}

// offerTo creates the sharer-side peer connection for userID: local track
// attached, ordered `annotations` data channel created by the sharer, ICE
// trickling through the broker.
func (c *Coordinator) offerTo(userID string) error {
	c.mu.Lock()
	track := c.localTrack
	c.mu.Unlock()
	if track == nil {
		return fmt.Errorf("screenshare: no local track")
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return err
	}
	ordered := true
	dc, err := pc.CreateDataChannel("annotations", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return err
	}
	p := &peer{userID: userID, conn: pc, sender: sender, annotations: dc}
	c.wireDataChannel(p, dc)
	c.wireICE(p)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return err
	}

	c.mu.Lock()
	if old, ok := c.peers[userID]; ok {
		go closePeer(old)
	}
	c.peers[userID] = p
	c.mu.Unlock()

	return c.signaler.Send(wire.Envelope{
		Type:         wire.TypeRTCOffer,
		RoomID:       c.roomID,
		TargetUserID: userID,
		SDP:          offer.SDP,
	})
}

// handleOffer is the viewer-side path: build the answering peer connection,
// flush any ICE candidates that beat the offer here, and return the answer
// to the sharer.
func (c *Coordinator) handleOffer(fromUserID, sdp string) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}
	p := &peer{userID: fromUserID, conn: pc}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		p.remoteTrack = track
		fn := c.onRemoteTrack
		c.mu.Unlock()
		if fn != nil {
			fn(fromUserID, track)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.mu.Lock()
		p.annotations = dc
		c.mu.Unlock()
		c.wireDataChannel(p, dc)
	})
	c.wireICE(p)

	c.mu.Lock()
	if old, ok := c.peers[fromUserID]; ok {
		buffered := old.pendingICE
		p.pendingICE = append(p.pendingICE, buffered...)
		go closePeer(old)
	}
	c.peers[fromUserID] = p
	c.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	c.flushICE(p)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return c.signaler.Send(wire.Envelope{
		Type:         wire.TypeRTCAnswer,
		RoomID:       c.roomID,
		TargetUserID: fromUserID,
		SDP:          answer.SDP,
	})
}

// handleAnswer is the sharer-side completion of one peer's handshake.
func (c *Coordinator) handleAnswer(fromUserID, sdp string) error {
	c.mu.Lock()
	p, ok := c.peers[fromUserID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("screenshare: answer from unknown peer %s", fromUserID)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.conn.SetRemoteDescription(answer); err != nil {
		return err
	}
	c.flushICE(p)
	return nil
}

// handleICECandidate adds the candidate if the remote description is set,
// otherwise buffers it for the flush that follows the first
// remote-description success. A candidate from a peer
// we have never heard of is buffered under a placeholder peer so an
// offer/candidate race loses nothing.
func (c *Coordinator) handleICECandidate(fromUserID string, candidate jsonvalue.Value) error {
	init, err := candidateFromValue(candidate)
	if err != nil {
		return err
	}
	c.mu.Lock()
	p, ok := c.peers[fromUserID]
	if !ok {
		p = &peer{userID: fromUserID}
		c.peers[fromUserID] = p
	}
	if !p.remoteDescSet || p.conn == nil {
		p.pendingICE = append(p.pendingICE, init)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return p.conn.AddICECandidate(init)
}

// flushICE marks the peer's remote description set and replays every
// buffered candidate.
func (c *Coordinator) flushICE(p *peer) {
	c.mu.Lock()
	p.remoteDescSet = true
	buffered := p.pendingICE
	p.pendingICE = nil
	c.mu.Unlock()

	for _, init := range buffered {
		if err := p.conn.AddICECandidate(init); err != nil {
			c.log.WithError(err).WithField("peer", p.userID).Warn("screenshare: buffered candidate rejected")
		}
	}
}

// wireICE forwards locally gathered candidates to the peer via the broker.
func (c *Coordinator) wireICE(p *peer) {
	p.conn.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		value, err := candidateToValue(cand.ToJSON())
		if err != nil {
			c.log.WithError(err).Warn("screenshare: failed to encode candidate")
			return
		}
		_ = c.signaler.Send(wire.Envelope{
			Type:         wire.TypeRTCICECandidate,
			RoomID:       c.roomID,
			TargetUserID: p.userID,
			Candidate:    value,
		})
	})
}

// wireDataChannel dispatches inbound annotation/cursor/clear packets to the
// registered callbacks.
func (c *Coordinator) wireDataChannel(p *peer, dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		pkt, err := decodePacket(msg.Data)
		if err != nil {
			c.log.WithError(err).WithField("peer", p.userID).Warn("screenshare: rejected data-channel packet")
			return
		}
		c.dispatchPacket(pkt)
	})
}

func (c *Coordinator) dispatchPacket(pkt packet) {
	c.mu.Lock()
	onAnnotation := c.onAnnotation
	onCursor := c.onCursor
	onClear := c.onClear
	c.mu.Unlock()

	switch pkt.Kind {
	case PacketAnnotation:
		if onAnnotation != nil {
			onAnnotation(*pkt.Annotation)
		}
	case PacketCursor:
		if onCursor != nil {
			onCursor(*pkt.Cursor)
		}
	case PacketClearAnnotations:
		if onClear != nil {
			onClear(pkt.AuthorID)
		}
	}
}

// SendAnnotation validates and broadcasts one annotation stroke over every
// open annotations channel.
func (c *Coordinator) SendAnnotation(color string, points []Point) (Annotation, error) {
	ann, err := newAnnotation(c.selfID, color, points)
	if err != nil {
		return Annotation{}, err
	}
	data, err := encodePacket(packet{Kind: PacketAnnotation, Annotation: &ann})
	if err != nil {
		return Annotation{}, err
	}
	c.broadcastData(data)
	return ann, nil
}

// SendCursor broadcasts a normalized cursor position.
func (c *Coordinator) SendCursor(x, y float64) error {
	if err := checkPoint(Point{X: x, Y: y}); err != nil {
		return err
	}
	data, err := encodePacket(packet{Kind: PacketCursor, Cursor: &Cursor{AuthorID: c.selfID, X: x, Y: y}})
	if err != nil {
		return err
	}
	c.broadcastData(data)
	return nil
}

// ClearAnnotations broadcasts a clear marker authored by us.
func (c *Coordinator) ClearAnnotations() error {
	data, err := encodePacket(packet{Kind: PacketClearAnnotations, AuthorID: c.selfID})
	if err != nil {
		return err
	}
	c.broadcastData(data)
	return nil
}

func (c *Coordinator) broadcastData(data []byte) {
	c.mu.Lock()
	peers := snapshotPeers(c.peers)
	c.mu.Unlock()
	for _, p := range peers {
		if p.annotations == nil {
			continue
		}
		if err := p.annotations.Send(data); err != nil {
			c.log.WithError(err).WithField("peer", p.userID).Warn("screenshare: data-channel send failed")
		}
	}
}

// RequestControl asks the sharer for remote control (viewer side).
func (c *Coordinator) RequestControl() error {
	c.mu.Lock()
	sharer := c.sharerID
	role := c.role
	c.mu.Unlock()
	if role != RoleViewer || sharer == "" {
		return fmt.Errorf("screenshare: not viewing a share")
	}
	return c.signaler.Send(wire.Envelope{
		Type:         wire.TypeRemoteControlRequest,
		RoomID:       c.roomID,
		TargetUserID: sharer,
	})
}

func (c *Coordinator) handleControlRequest(fromUserID string) {
	c.mu.Lock()
	if c.role != RoleSharer {
		c.mu.Unlock()
		return
	}
	c.pendingControl[fromUserID] = struct{}{}
	fn := c.onControlReq
	c.mu.Unlock()
	if fn != nil {
		fn(fromUserID)
	}
}

func (c *Coordinator) handleControlResponse(fromUserID string, granted *bool) {
	c.mu.Lock()
	fn := c.onControlResp
	c.mu.Unlock()
	if fn != nil && granted != nil {
		fn(*granted)
	}
}

// GrantControl grants remote control to userID. At most one viewer holds
// control at a time; granting implicitly revokes any previous holder.
func (c *Coordinator) GrantControl(userID string) error {
	c.mu.Lock()
	if c.role != RoleSharer {
		c.mu.Unlock()
		return fmt.Errorf("screenshare: not sharing")
	}
	if _, ok := c.pendingControl[userID]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("screenshare: no pending request from %s", userID)
	}
	previous := c.controllerID
	delete(c.pendingControl, userID)
	c.controllerID = userID
	c.mu.Unlock()

	if previous != "" && previous != userID {
		if err := c.sendControlResponse(previous, false); err != nil {
			return err
		}
	}
	return c.sendControlResponse(userID, true)
}

// DenyControl rejects a pending request from userID.
func (c *Coordinator) DenyControl(userID string) error {
	c.mu.Lock()
	delete(c.pendingControl, userID)
	c.mu.Unlock()
	return c.sendControlResponse(userID, false)
}

// RevokeControl withdraws control from the current holder and flips the
// state back.
func (c *Coordinator) RevokeControl() error {
	c.mu.Lock()
	holder := c.controllerID
	c.controllerID = ""
	c.mu.Unlock()
	if holder == "" {
		return nil
	}
	return c.sendControlResponse(holder, false)
}

// ControllerID returns the viewer currently granted control, if any.
func (c *Coordinator) ControllerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controllerID
}

// PendingControlRequests returns the user IDs with an unanswered control
// request.
func (c *Coordinator) PendingControlRequests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pendingControl))
	for id := range c.pendingControl {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) sendControlResponse(userID string, granted bool) error {
	g := granted
	return c.signaler.Send(wire.Envelope{
		Type:         wire.TypeRemoteControlResponse,
		RoomID:       c.roomID,
		TargetUserID: userID,
		Granted:      &g,
	})
}

// handleMemberJoined creates an offer for a late joiner while we are sharing.
func (c *Coordinator) handleMemberJoined(userID string) error {
	c.mu.Lock()
	sharing := c.role == RoleSharer
	_, already := c.peers[userID]
	c.mu.Unlock()
	if !sharing || already || userID == c.selfID {
		return nil
	}
	return c.offerTo(userID)
}

// handleMemberLeft tears down the member's peer connection and clears any
// pending control state. If the sharer left, viewers reset to idle.
func (c *Coordinator) handleMemberLeft(userID string) {
	c.mu.Lock()
	p, hadPeer := c.peers[userID]
	delete(c.peers, userID)
	delete(c.pendingControl, userID)
	if c.controllerID == userID {
		c.controllerID = ""
	}
	sharerLeft := c.role == RoleViewer && userID == c.sharerID
	var all []*peer
	if sharerLeft {
		all = snapshotPeers(c.peers)
		c.peers = make(map[string]*peer)
		c.role = RoleIdle
		c.sharerID = ""
	}
	c.mu.Unlock()

	if hadPeer {
		closePeer(p)
	}
	for _, other := range all {
		closePeer(other)
	}
}

func snapshotPeers(m map[string]*peer) []*peer {
	out := make([]*peer, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

func closePeer(p *peer) {
	if p == nil {
		return
	}
	if p.annotations != nil {
		_ = p.annotations.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.remoteTrack = nil
}

// candidateToValue converts a pion ICECandidateInit into the opaque JSON
// value carried on the wire. The broker never inspects it.
func candidateToValue(init webrtc.ICECandidateInit) (jsonvalue.Value, error) {
	data, err := json.Marshal(init)
	if err != nil {
		return jsonvalue.Value{}, err
	}
	var v jsonvalue.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return jsonvalue.Value{}, err
	}
	return v, nil
}

func candidateFromValue(v jsonvalue.Value) (webrtc.ICECandidateInit, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &init); err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	return init, nil
}

package screenshare

import (
	"context"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"collabkit.dev/collabkit/wire"
)

type recordingSignaler struct {
	mu   sync.Mutex
	sent []wire.Envelope
}

func (s *recordingSignaler) Send(env wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSignaler) byType(t wire.Type) []wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Envelope
	for _, env := range s.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type staticMembership struct {
	users []wire.User
}

func (m *staticMembership) Members(string) []wire.User { return m.users }

type fakeMedia struct{}

func (fakeMedia) AcquireTrack(context.Context) (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "screenshare")
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newSharer(t *testing.T, members ...string) (*Coordinator, *recordingSignaler) {
	t.Helper()
	sig := &recordingSignaler{}
	users := []wire.User{{ID: "sharer"}}
	for _, m := range members {
		users = append(users, wire.User{ID: m})
	}
	c := New("room", "sharer", sig, &staticMembership{users: users}, fakeMedia{}, WithLogger(quietLogger()))
	return c, sig
}

func TestStartSharingDefersOffersUntilEcho(t *testing.T) {
	c, sig := newSharer(t, "b", "d")

	if err := c.StartSharing(context.Background()); err != nil {
		t.Fatalf("StartSharing: %v", err)
	}
	if c.Role() != RoleSharer {
		t.Fatalf("role = %v, want sharer", c.Role())
	}
	if got := sig.byType(wire.TypeScreenshareStart); len(got) != 1 {
		t.Fatalf("screenshare_start count = %d, want 1", len(got))
	}
	if got := sig.byType(wire.TypeRTCOffer); len(got) != 0 {
		t.Fatalf("offers before broker echo: %d", len(got))
	}

	c.HandleEnvelope(wire.Envelope{Type: wire.TypeScreenshareStarted, RoomID: "room", UserID: "sharer"})

	offers := sig.byType(wire.TypeRTCOffer)
	if len(offers) != 2 {
		t.Fatalf("offer count = %d, want 2", len(offers))
	}
	targets := map[string]bool{}
	for _, o := range offers {
		if o.SDP == "" {
			t.Fatal("offer carries empty SDP")
		}
		targets[o.TargetUserID] = true
	}
	if !targets["b"] || !targets["d"] {
		t.Fatalf("offer targets = %v", targets)
	}
}

func TestRemoteStartMakesViewer(t *testing.T) {
	c, _ := newSharer(t)
	c.HandleEnvelope(wire.Envelope{Type: wire.TypeScreenshareStarted, RoomID: "room", UserID: "other"})
	if c.Role() != RoleViewer {
		t.Fatalf("role = %v, want viewer", c.Role())
	}
	if c.SharerID() != "other" {
		t.Fatalf("sharer = %q", c.SharerID())
	}
}

func TestOfferAnswerHandshake(t *testing.T) {
	sharer, sharerSig := newSharer(t, "viewer-1")
	if err := sharer.StartSharing(context.Background()); err != nil {
		t.Fatalf("StartSharing: %v", err)
	}
	sharer.HandleEnvelope(wire.Envelope{Type: wire.TypeScreenshareStarted, RoomID: "room", UserID: "sharer"})

	offers := sharerSig.byType(wire.TypeRTCOffer)
	if len(offers) != 1 {
		t.Fatalf("offer count = %d", len(offers))
	}

	viewerSig := &recordingSignaler{}
	viewer := New("room", "viewer-1", viewerSig, &staticMembership{}, fakeMedia{}, WithLogger(quietLogger()))
	viewer.HandleEnvelope(wire.Envelope{Type: wire.TypeScreenshareStarted, RoomID: "room", UserID: "sharer"})
	viewer.HandleEnvelope(wire.Envelope{Type: wire.TypeRTCOffer, RoomID: "room", FromUserID: "sharer", SDP: offers[0].SDP})

	answers := viewerSig.byType(wire.TypeRTCAnswer)
	if len(answers) != 1 {
		t.Fatalf("answer count = %d", len(answers))
	}
	if answers[0].TargetUserID != "sharer" || answers[0].SDP == "" {
		t.Fatalf("bad answer %+v", answers[0])
	}

	sharer.HandleEnvelope(wire.Envelope{Type: wire.TypeRTCAnswer, RoomID: "room", FromUserID: "viewer-1", SDP: answers[0].SDP})
	sharer.mu.Lock()
	p := sharer.peers["viewer-1"]
	sharer.mu.Unlock()
	if p == nil || !p.remoteDescSet {
		t.Fatal("sharer did not record the viewer's answer")
	}
}

func TestICECandidateBufferedUntilRemoteDescription(t *testing.T) {
	sharer, sharerSig := newSharer(t, "viewer-1")
	if err := sharer.StartSharing(context.Background()); err != nil {
		t.Fatalf("StartSharing: %v", err)
	}
	sharer.HandleEnvelope(wire.Envelope{Type: wire.TypeScreenshareStarted, RoomID: "room", UserID: "sharer"})
	offer := sharerSig.byType(wire.TypeRTCOffer)[0]

	candidate, err := candidateToValue(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 UDP 2130706431 127.0.0.1 54321 typ host",
	})
	if err != nil {
		t.Fatalf("candidateToValue: %v", err)
	}

	viewerSig := &recordingSignaler{}
	viewer := New("room", "viewer-1", viewerSig, &staticMembership{}, fakeMedia{}, WithLogger(quietLogger()))

	// Candidate arrives before the offer: it must be buffered, not dropped.
	viewer.HandleEnvelope(wire.Envelope{Type: wire.TypeRTCICECandidate, RoomID: "room", FromUserID: "sharer", Candidate: candidate})
	viewer.mu.Lock()
	buffered := len(viewer.peers["sharer"].pendingICE)
	viewer.mu.Unlock()
	if buffered != 1 {
		t.Fatalf("buffered candidates = %d, want 1", buffered)
	}

	viewer.HandleEnvelope(wire.Envelope{Type: wire.TypeRTCOffer, RoomID: "room", FromUserID: "sharer", SDP: offer.SDP})
	viewer.mu.Lock()
	p := viewer.peers["sharer"]
	remaining := len(p.pendingICE)
	flushed := p.remoteDescSet
	viewer.mu.Unlock()
	if remaining != 0 || !flushed {
		t.Fatalf("flush incomplete: remaining=%d remoteDescSet=%v", remaining, flushed)
	}
}

func TestLateJoinerGetsExactlyOneOffer(t *testing.T) {
	c, sig := newSharer(t, "b")
	if err := c.StartSharing(context.Background()); err != nil {
		t.Fatalf("StartSharing: %v", err)
	}
	c.HandleEnvelope(wire.Envelope{Type: wire.TypeScreenshareStarted, RoomID: "room", UserID: "sharer"})
	if got := len(sig.byType(wire.TypeRTCOffer)); got != 1 {
		t.Fatalf("initial offers = %d", got)
	}

	c.HandleEnvelope(wire.Envelope{Type: wire.TypeUserJoined, RoomID: "room", User: &wire.User{ID: "late"}})
	offers := sig.byType(wire.TypeRTCOffer)
	if len(offers) != 2 {
		t.Fatalf("offers after late join = %d, want 2", len(offers))
	}
	if offers[1].TargetUserID != "late" {
		t.Fatalf("late offer targeted %q", offers[1].TargetUserID)
	}

	// A duplicate join announcement for an existing peer adds nothing.
	c.HandleEnvelope(wire.Envelope{Type: wire.TypeUserJoined, RoomID: "room", User: &wire.User{ID: "late"}})
	if got := len(sig.byType(wire.TypeRTCOffer)); got != 2 {
		t.Fatalf("duplicate join produced an extra offer: %d", got)
	}
}

func TestSharerLeavingResetsViewer(t *testing.T) {
	sig := &recordingSignaler{}
	c := New("room", "viewer-1", sig, &staticMembership{}, fakeMedia{}, WithLogger(quietLogger()))
	c.HandleEnvelope(wire.Envelope{Type: wire.TypeScreenshareStarted, RoomID: "room", UserID: "sharer"})
	if c.Role() != RoleViewer {
		t.Fatalf("role = %v", c.Role())
	}
	c.HandleEnvelope(wire.Envelope{Type: wire.TypeUserLeft, RoomID: "room", UserID: "sharer"})
	if c.Role() != RoleIdle {
		t.Fatalf("role after sharer left = %v, want idle", c.Role())
	}
	c.mu.Lock()
	n := len(c.peers)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("peers not torn down: %d", n)
	}
}

func TestScreenshareStoppedResetsViewer(t *testing.T) {
	sig := &recordingSignaler{}
	c := New("room", "viewer-1", sig, &staticMembership{}, fakeMedia{}, WithLogger(quietLogger()))
	c.HandleEnvelope(wire.Envelope{Type: wire.TypeScreenshareStarted, RoomID: "room", UserID: "sharer"})
	c.HandleEnvelope(wire.Envelope{Type: wire.TypeScreenshareStopped, RoomID: "room", UserID: "sharer"})
	if c.Role() != RoleIdle {
		t.Fatalf("role = %v, want idle", c.Role())
	}
}

func TestStopSharingTearsDown(t *testing.T) {
	c, sig := newSharer(t, "b")
	if err := c.StartSharing(context.Background()); err != nil {
		t.Fatalf("StartSharing: %v", err)
	}
	c.HandleEnvelope(wire.Envelope{Type: wire.TypeScreenshareStarted, RoomID: "room", UserID: "sharer"})
	if err := c.StopSharing(); err != nil {
		t.Fatalf("StopSharing: %v", err)
	}
	if c.Role() != RoleIdle {
		t.Fatalf("role = %v, want idle", c.Role())
	}
	if got := len(sig.byType(wire.TypeScreenshareStop)); got != 1 {
		t.Fatalf("screenshare_stop count = %d", got)
	}
	c.mu.Lock()
	n := len(c.peers)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("peers remain after stop: %d", n)
	}
}

func TestRemoteControlGrantDenyRevoke(t *testing.T) {
	c, sig := newSharer(t, "b", "d")
	if err := c.StartSharing(context.Background()); err != nil {
		t.Fatalf("StartSharing: %v", err)
	}

	c.HandleEnvelope(wire.Envelope{Type: wire.TypeRemoteControlRequest, RoomID: "room", FromUserID: "b"})
	c.HandleEnvelope(wire.Envelope{Type: wire.TypeRemoteControlRequest, RoomID: "room", FromUserID: "d"})
	if got := len(c.PendingControlRequests()); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	if err := c.GrantControl("b"); err != nil {
		t.Fatalf("GrantControl: %v", err)
	}
	if c.ControllerID() != "b" {
		t.Fatalf("controller = %q", c.ControllerID())
	}
	responses := sig.byType(wire.TypeRemoteControlResponse)
	if len(responses) != 1 || responses[0].TargetUserID != "b" || responses[0].Granted == nil || !*responses[0].Granted {
		t.Fatalf("bad grant response %+v", responses)
	}

	// Granting d revokes b first.
	if err := c.GrantControl("d"); err != nil {
		t.Fatalf("GrantControl: %v", err)
	}
	responses = sig.byType(wire.TypeRemoteControlResponse)
	if len(responses) != 3 {
		t.Fatalf("response count = %d, want 3", len(responses))
	}
	if responses[1].TargetUserID != "b" || *responses[1].Granted {
		t.Fatalf("expected revoke of b, got %+v", responses[1])
	}
	if responses[2].TargetUserID != "d" || !*responses[2].Granted {
		t.Fatalf("expected grant of d, got %+v", responses[2])
	}

	if err := c.RevokeControl(); err != nil {
		t.Fatalf("RevokeControl: %v", err)
	}
	if c.ControllerID() != "" {
		t.Fatalf("controller after revoke = %q", c.ControllerID())
	}

	// Deny requires no prior grant.
	c.HandleEnvelope(wire.Envelope{Type: wire.TypeRemoteControlRequest, RoomID: "room", FromUserID: "b"})
	if err := c.DenyControl("b"); err != nil {
		t.Fatalf("DenyControl: %v", err)
	}
	if got := len(c.PendingControlRequests()); got != 0 {
		t.Fatalf("pending after deny = %d", got)
	}
}

func TestControlStateClearedOnMemberLeave(t *testing.T) {
	c, _ := newSharer(t, "b")
	if err := c.StartSharing(context.Background()); err != nil {
		t.Fatalf("StartSharing: %v", err)
	}
	c.HandleEnvelope(wire.Envelope{Type: wire.TypeRemoteControlRequest, RoomID: "room", FromUserID: "b"})
	if err := c.GrantControl("b"); err != nil {
		t.Fatalf("GrantControl: %v", err)
	}
	c.HandleEnvelope(wire.Envelope{Type: wire.TypeUserLeft, RoomID: "room", UserID: "b"})
	if c.ControllerID() != "" {
		t.Fatalf("controller survives member leave: %q", c.ControllerID())
	}
	if got := len(c.PendingControlRequests()); got != 0 {
		t.Fatalf("pending survives member leave: %d", got)
	}
}

func TestAnnotationValidation(t *testing.T) {
	if _, err := newAnnotation("u", "red", []Point{{X: 0.5, Y: 0.5}}); err == nil {
		t.Fatal("non-hex color accepted")
	}
	if _, err := newAnnotation("u", "#ff0000", nil); err == nil {
		t.Fatal("empty point list accepted")
	}
	if _, err := newAnnotation("u", "#ff0000", []Point{{X: 1.5, Y: 0.5}}); err == nil {
		t.Fatal("out-of-viewport point accepted")
	}
	ann, err := newAnnotation("u", "#ff0000", []Point{{X: 0, Y: 1}})
	if err != nil {
		t.Fatalf("valid annotation rejected: %v", err)
	}
	if ann.ID == "" || ann.AuthorID != "u" || ann.Timestamp == 0 {
		t.Fatalf("annotation missing metadata: %+v", ann)
	}
}

func TestCursorValidation(t *testing.T) {
	c, _ := newSharer(t)
	if err := c.SendCursor(2, 0); err == nil {
		t.Fatal("out-of-range cursor accepted")
	}
	if err := c.SendCursor(0.25, 0.75); err != nil {
		t.Fatalf("valid cursor rejected: %v", err)
	}
}

func TestPacketRoundTrip(t *testing.T) {
	ann, err := newAnnotation("u", "#00ff00", []Point{{X: 0.1, Y: 0.2}, {X: 0.3, Y: 0.4}})
	if err != nil {
		t.Fatalf("newAnnotation: %v", err)
	}
	data, err := encodePacket(packet{Kind: PacketAnnotation, Annotation: &ann})
	if err != nil {
		t.Fatalf("encodePacket: %v", err)
	}
	got, err := decodePacket(data)
	if err != nil {
		t.Fatalf("decodePacket: %v", err)
	}
	if got.Annotation.ID != ann.ID || len(got.Annotation.Points) != 2 {
		t.Fatalf("round trip mangled annotation: %+v", got.Annotation)
	}

	if _, err := decodePacket([]byte(`{"kind":"cursor","cursor":{"author_id":"u","x":5,"y":0}}`)); err == nil {
		t.Fatal("out-of-viewport cursor packet accepted")
	}
	if _, err := decodePacket([]byte(`{"kind":"bogus"}`)); err == nil {
		t.Fatal("unknown packet kind accepted")
	}
}

func TestCandidateValueRoundTrip(t *testing.T) {
	mid := "0"
	init := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 UDP 2130706431 127.0.0.1 54321 typ host",
		SDPMid:    &mid,
	}
	v, err := candidateToValue(init)
	if err != nil {
		t.Fatalf("candidateToValue: %v", err)
	}
	got, err := candidateFromValue(v)
	if err != nil {
		t.Fatalf("candidateFromValue: %v", err)
	}
	if got.Candidate != init.Candidate || got.SDPMid == nil || *got.SDPMid != mid {
		t.Fatalf("round trip mangled candidate: %+v", got)
	}
}

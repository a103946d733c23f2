package client

import (
	"collabkit.dev/collabkit/crdt"
	"collabkit.dev/collabkit/internal/jsonvalue"
	"collabkit.dev/collabkit/wire"
)

// StateListener observes a change to a room's materialized CRDT value.
type StateListener func(roomID string, value jsonvalue.Value)

// PresenceListener observes a presence update for one user in a room.
type PresenceListener func(roomID, userID string, data jsonvalue.Value)

// OperationListener observes an individual operation applied to a room's
// local replica, whether locally originated or received from the broker.
type OperationListener func(roomID string, op crdt.Operation)

// SignalHandler receives the screen-share, WebRTC, and membership envelopes
// for a room, letting the screenshare coordinator ride the client's socket
// as its signaling channel.
type SignalHandler func(env wire.Envelope)

// roomState is one entry in the client's room registry: the
// local CRDT replica, members, presence, listener sets, and the reference
// count that decides when wire join/leave actually go out.
type roomState struct {
	id       string
	refs     int
	doc      *crdt.Map
	version  *crdt.VersionVector
	members  []wire.User
	presence map[string]jsonvalue.Value

	stateListeners     map[int]StateListener
	presenceListeners  map[int]PresenceListener
	operationListeners map[int]OperationListener
	signalHandler      SignalHandler
}

func newRoomState(id, origin string) *roomState {
	return &roomState{
		id:                 id,
		doc:                crdt.NewMap(origin),
		version:            crdt.NewVersionVector(),
		presence:           make(map[string]jsonvalue.Value),
		stateListeners:     make(map[int]StateListener),
		presenceListeners:  make(map[int]PresenceListener),
		operationListeners: make(map[int]OperationListener),
	}
}

// applySnapshot replays a broker snapshot's operation log into the local
// replica. Op-id idempotency makes re-applying a previously seen snapshot
// harmless.
func (r *roomState) applySnapshot(snap crdt.Snapshot) error {
	replayed, err := crdt.FromSnapshot(r.doc.Origin(), snap)
	if err != nil {
		return err
	}
	if err := r.doc.Merge(replayed); err != nil {
		return err
	}
	for _, op := range replayed.Operations() {
		r.version.Update(op.Origin, op.Timestamp)
	}
	return nil
}

func (r *roomState) setMembers(users []wire.User) {
	r.members = make([]wire.User, len(users))
	copy(r.members, users)
}

func (r *roomState) addMember(u wire.User) {
	for _, m := range r.members {
		if m.ID == u.ID {
			return
		}
	}
	r.members = append(r.members, u)
}

func (r *roomState) removeMember(userID string) {
	for i, m := range r.members {
		if m.ID == userID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	delete(r.presence, userID)
}

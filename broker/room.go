// Package broker implements the room and per-connection session state
// machine: authentication, rate limiting, message validation, room
// membership, operation broadcast, presence propagation, function dispatch,
// and signaling relay.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collabkit.dev/collabkit/auth"
	"collabkit.dev/collabkit/crdt"
	"collabkit.dev/collabkit/functions"
	"collabkit.dev/collabkit/internal/jsonvalue"
	"collabkit.dev/collabkit/permission"
	"collabkit.dev/collabkit/storage"
)

// NotFoundError reports a reference to a room that does not exist and
// cannot be auto-created.
type NotFoundError struct{ RoomID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("broker: room not found: %s", e.RoomID) }

// Room is the authoritative owner of one room's CRDT, membership, presence,
// and registered functions. Every mutating method serializes through mu so
// concurrent sessions observe a consistent view of the document.
type Room struct {
	mu sync.Mutex

	id        string
	origin    string
	doc       *crdt.Map
	version   *crdt.VersionVector
	members   []auth.Principal
	presence  map[string]jsonvalue.Value
	functions *functions.Registry

	perms              permission.Manager
	fieldPermissions   permission.Manager
	store              storage.Store
	saveOnOperation    bool
	useServerTimestamp bool

	createdAt time.Time
	updatedAt time.Time

	log *logrus.Logger
}

// RoomOption configures a Room at construction.
type RoomOption func(*Room)

// WithPermissions sets the Manager used to authorize registered-function
// calls.
func WithPermissions(m permission.Manager) RoomOption {
	return func(r *Room) { r.perms = m }
}

// WithFieldPermissions enables the optional per-path permission check on
// `operation` messages. A nil manager (the default) means no per-path check
// runs; membership alone gates writes.
func WithFieldPermissions(m permission.Manager) RoomOption {
	return func(r *Room) { r.fieldPermissions = m }
}

// WithStorage sets the backing Store used when SaveOnOperation is enabled.
func WithStorage(s storage.Store) RoomOption {
	return func(r *Room) { r.store = s }
}

// WithSaveOnOperation enables persisting the room's full snapshot after
// every applied operation.
func WithSaveOnOperation(save bool) RoomOption {
	return func(r *Room) { r.saveOnOperation = save }
}

// WithServerTimestamp enables substituting the broker's own monotonic clock
// for an incoming operation's timestamp on ingress.
func WithServerTimestamp(use bool) RoomOption {
	return func(r *Room) { r.useServerTimestamp = use }
}

// WithLogger overrides the room's logger.
func WithLogger(log *logrus.Logger) RoomOption {
	return func(r *Room) { r.log = log }
}

// NewRoom constructs an empty Room with id, whose locally-originated
// operations (there are none in normal operation; the broker only relays)
// would carry origin.
func NewRoom(id, origin string, opts ...RoomOption) *Room {
	r := &Room{
		id:        id,
		origin:    origin,
		doc:       crdt.NewMap(origin),
		version:   crdt.NewVersionVector(),
		presence:  make(map[string]jsonvalue.Value),
		functions: functions.NewRegistry(),
		createdAt: time.Now(),
		updatedAt: time.Now(),
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID implements functions.RoomAccessor.
func (r *Room) ID() string { return r.id }

// Get implements functions.RoomAccessor by reading the materialized CRDT.
func (r *Room) Get(path []string) (jsonvalue.Value, bool) { return r.doc.Get(path) }

// Members implements functions.RoomAccessor.
func (r *Room) Members() []auth.Principal {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]auth.Principal, len(r.members))
	copy(cp, r.members)
	return cp
}

// Functions exposes the room's function registry for registration.
func (r *Room) Functions() *functions.Registry { return r.functions }

// Snapshot returns the room's current CRDT snapshot, suitable for a `joined`
// or `sync` response.
func (r *Room) Snapshot() crdt.Snapshot { return r.doc.Snapshot() }

// OperationsSince returns every operation newer than since, for answering a
// `sync_request`.
func (r *Room) OperationsSince(since map[string]float64) []crdt.Operation {
	return r.doc.OperationsSince(since)
}

// Join adds principal to the room's membership, deduplicating by user ID,
// and returns the current snapshot plus the full member list. Rejoining
// with the same ID is a no-op on membership but still returns the current
// state.
func (r *Room) Join(principal auth.Principal) (crdt.Snapshot, []auth.Principal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	for _, m := range r.members {
		if m.ID == principal.ID {
			found = true
			break
		}
	}
	if !found {
		r.members = append(r.members, principal)
	}
	r.updatedAt = time.Now()
	members := make([]auth.Principal, len(r.members))
	copy(members, r.members)
	return r.doc.Snapshot(), members
}

// Leave removes principal from membership and drops its presence entry.
func (r *Room) Leave(principal auth.Principal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, m := range r.members {
		if m.ID == principal.ID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	delete(r.presence, principal.ID)
	r.updatedAt = time.Now()
}

// MemberCount reports the number of joined members.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// UpdatePresence shallow-merges data into principal's presence entry and
// returns the merged result.
func (r *Room) UpdatePresence(principal auth.Principal, data jsonvalue.Value) jsonvalue.Value {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.presence[principal.ID]
	merged := shallowMerge(existing, data, ok)
	r.presence[principal.ID] = merged
	return merged
}

func shallowMerge(existing, incoming jsonvalue.Value, haveExisting bool) jsonvalue.Value {
	incomingFields, isObj := incoming.AsMap()
	if !isObj {
		return incoming
	}
	if !haveExisting {
		return jsonvalue.Object(incomingFields)
	}
	existingFields, _ := existing.AsMap()
	if existingFields == nil {
		existingFields = map[string]jsonvalue.Value{}
	}
	for k, v := range incomingFields {
		existingFields[k] = v
	}
	return jsonvalue.Object(existingFields)
}

// ApplyOperation validates, applies op to the room's CRDT, advances the
// room's version vector, and returns the canonical operation for
// rebroadcast. When UseServerTimestamp is enabled, the returned operation's
// timestamp is the broker's own clock rather than op's; the op ID and
// origin are preserved either way, so idempotent re-apply and tie-breaking
// both remain correct.
func (r *Room) ApplyOperation(ctx context.Context, op crdt.Operation, principal auth.Principal) (crdt.Operation, error) {
	if r.fieldPermissions != nil {
		resource := "room:" + r.id + ":" + joinPath(op.Path)
		if !r.fieldPermissions.Check(principal, resource, "write") {
			return crdt.Operation{}, &PermissionDeniedError{Action: "operation"}
		}
	}

	canonical := op
	r.mu.Lock()
	if r.useServerTimestamp {
		canonical.Timestamp = nowSeconds()
	}
	if _, err := r.doc.Apply(canonical); err != nil {
		r.mu.Unlock()
		return crdt.Operation{}, err
	}
	r.version.Update(canonical.Origin, canonical.Timestamp)
	r.updatedAt = time.Now()
	save := r.saveOnOperation
	store := r.store
	var snap crdt.Snapshot
	if save && store != nil {
		snap = r.doc.Snapshot()
	}
	r.mu.Unlock()

	if save && store != nil {
		data, err := marshalSnapshot(snap)
		if err != nil {
			r.log.WithError(err).Error("broker: failed to marshal snapshot for save_on_operation")
		} else if err := store.Save(ctx, "rooms/"+r.id+"/snapshot", data); err != nil {
			r.log.WithError(err).Warn("broker: save_on_operation persist failed")
		}
	}
	return canonical, nil
}

// Call authorizes and invokes a registered function.
func (r *Room) Call(ctx context.Context, name string, principal auth.Principal, args jsonvalue.Value, timeout time.Duration) (jsonvalue.Value, error) {
	return r.functions.Call(ctx, name, r, principal, args, r.perms, timeout)
}

func joinPath(path []string) string {
	out := ""
	for i, seg := range path {
		if i > 0 {
			out += "/"
		}
		out += seg
	}
	return out
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

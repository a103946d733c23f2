package crdt

import (
	"sync"

	"collabkit.dev/collabkit/internal/jsonvalue"
)

// Register is a single-cell last-writer-wins CRDT. Its
// invariant is that the stored (value, timestamp, origin) triple is always
// the maximum, under the resolution order in operation.go, of every `set`
// operation ever applied.
type Register struct {
	mu       sync.Mutex
	origin   string
	current  order
	value    jsonvalue.Value
	hasValue bool
	applied  map[string]struct{}
	log      []Operation
}

// NewRegister returns an empty Register whose locally generated operations
// carry origin as their Operation.Origin.
func NewRegister(origin string) *Register {
	return &Register{
		origin:  origin,
		applied: make(map[string]struct{}),
	}
}

// Set builds a `set` Operation with an empty path, applies it locally, and
// returns it for transmission to other replicas.
func (r *Register) Set(value jsonvalue.Value) (Operation, error) {
	op, err := NewSetOperation(r.origin, nil, value)
	if err != nil {
		return Operation{}, err
	}
	if _, err := r.Apply(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Apply applies op to the register. It returns (true, nil) if the op changed
// the stored value, (false, nil) if op was already applied or was beaten by
// the current value, and a non-nil error for an unsupported op kind.
func (r *Register) Apply(op Operation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.applied[op.ID]; seen {
		return false, nil
	}
	if op.Kind != OpSet {
		return false, &UnsupportedOpError{Kind: op.Kind}
	}

	r.applied[op.ID] = struct{}{}
	r.log = append(r.log, op)

	incoming := orderOf(op)
	if r.hasValue && !incoming.beats(r.current) {
		return false, nil
	}
	r.current = incoming
	r.value = op.Value
	r.hasValue = true
	return true, nil
}

// Value returns the current value and whether the register holds one.
func (r *Register) Value() (jsonvalue.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.hasValue
}

// Merge replays every operation in other's log through Apply. Already-seen
// operations are no-ops, so merge is commutative, associative, and
// idempotent.
func (r *Register) Merge(other *Register) error {
	other.mu.Lock()
	ops := make([]Operation, len(other.log))
	copy(ops, other.log)
	other.mu.Unlock()

	for _, op := range ops {
		if _, err := r.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

package crdt

import (
	"time"

	"github.com/google/uuid"

	"collabkit.dev/collabkit/internal/jsonvalue"
	"collabkit.dev/collabkit/internal/validate"
)

// OpKind discriminates the two mutation kinds an Operation can carry.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpDelete OpKind = "delete"
)

// Operation is an immutable record of one CRDT mutation. Two
// operations are equal iff their IDs match; every other field is metadata
// describing that single mutation.
type Operation struct {
	ID        string
	Timestamp float64
	Origin    string
	Path      []string
	Kind      OpKind
	Value     jsonvalue.Value
	hasValue  bool
}

// HasValue reports whether Value is meaningful (true for OpSet, false for
// OpDelete).
func (op Operation) HasValue() bool { return op.hasValue }

// nowSeconds returns the wall clock in fractional seconds since the epoch,
// the unit Operation.Timestamp carries on the wire.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// NewSetOperation builds a `set` Operation at path with value, stamping a
// fresh unique ID and the local wall clock. Path and value are validated
// before construction; a malformed request returns an error instead of a
// zero-value Operation.
func NewSetOperation(origin string, path []string, value jsonvalue.Value) (Operation, error) {
	if err := validate.CheckPath(path); err != nil {
		return Operation{}, err
	}
	if err := validate.CheckValue(value); err != nil {
		return Operation{}, err
	}
	return Operation{
		ID:        uuid.NewString(),
		Timestamp: nowSeconds(),
		Origin:    origin,
		Path:      clonePath(path),
		Kind:      OpSet,
		Value:     value,
		hasValue:  true,
	}, nil
}

// NewDeleteOperation builds a `delete` Operation at path.
func NewDeleteOperation(origin string, path []string) (Operation, error) {
	if err := validate.CheckPath(path); err != nil {
		return Operation{}, err
	}
	return Operation{
		ID:        uuid.NewString(),
		Timestamp: nowSeconds(),
		Origin:    origin,
		Path:      clonePath(path),
		Kind:      OpDelete,
	}, nil
}

func clonePath(path []string) []string {
	cp := make([]string, len(path))
	copy(cp, path)
	return cp
}

// order is the (timestamp, origin) pair used as the strictly total
// resolution order: higher timestamp wins; ties break on the
// lexicographically greater origin.
type order struct {
	timestamp float64
	origin    string
}

// beats reports whether o strictly beats other under the resolution order.
func (o order) beats(other order) bool {
	if o.timestamp != other.timestamp {
		return o.timestamp > other.timestamp
	}
	return o.origin > other.origin
}

func orderOf(op Operation) order {
	return order{timestamp: op.Timestamp, origin: op.Origin}
}

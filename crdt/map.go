package crdt

import (
	"sort"
	"strings"
	"sync"

	"collabkit.dev/collabkit/internal/jsonvalue"
	"collabkit.dev/collabkit/internal/validate"
)

// pathSep joins path segments into a map key for internal indexing. It is
// unrelated to the dotted wire encoding used by snapshots (see codec.go);
// \x1f (unit separator) cannot appear in a JSON string segment typed by a
// user through the normal wire path, so collisions aren't a practical
// concern for an internal lookup key.
const pathSep = "\x1f"

func joinKey(path []string) string {
	return strings.Join(path, pathSep)
}

type mapEntry struct {
	path  []string
	value jsonvalue.Value
	ord   order
}

type mapTombstone struct {
	ord order
}

// Map is a nested, path-addressed, last-writer-wins CRDT with tombstones,
// the primary data model backing every room.
type Map struct {
	mu         sync.Mutex
	origin     string
	entries    map[string]*mapEntry
	tombstones map[string]*mapTombstone
	applied    map[string]struct{}
	log        []Operation
}

// NewMap returns an empty Map whose locally generated operations carry
// origin as their Operation.Origin.
func NewMap(origin string) *Map {
	return &Map{
		origin:     origin,
		entries:    make(map[string]*mapEntry),
		tombstones: make(map[string]*mapTombstone),
		applied:    make(map[string]struct{}),
	}
}

// Origin returns the origin ID this map stamps on locally generated
// operations.
func (m *Map) Origin() string { return m.origin }

// Set builds a `set` Operation at path, applies it locally, and returns it
// for transmission to other replicas.
func (m *Map) Set(path []string, value jsonvalue.Value) (Operation, error) {
	op, err := NewSetOperation(m.origin, path, value)
	if err != nil {
		return Operation{}, err
	}
	if _, err := m.Apply(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Delete builds a `delete` Operation at path, applies it locally, and
// returns it for transmission to other replicas.
func (m *Map) Delete(path []string) (Operation, error) {
	op, err := NewDeleteOperation(m.origin, path)
	if err != nil {
		return Operation{}, err
	}
	if _, err := m.Apply(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Apply applies op to the map. It returns (true, nil) if any entry or
// tombstone actually changed, (false, nil) if op was already seen or every
// write it carried lost its ordering test, and a non-nil error for an
// unsupported op kind. Applying the same op ID twice is always a no-op on
// the second call.
func (m *Map) Apply(op Operation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.applied[op.ID]; seen {
		return false, nil
	}
	switch op.Kind {
	case OpSet, OpDelete:
	default:
		return false, &UnsupportedOpError{Kind: op.Kind}
	}

	m.applied[op.ID] = struct{}{}
	m.log = append(m.log, op)

	ord := orderOf(op)
	changed := false
	switch op.Kind {
	case OpSet:
		for _, leaf := range flattenValue(op.Path, op.Value) {
			if m.applyLeafSet(leaf.path, leaf.value, ord) {
				changed = true
			}
		}
	case OpDelete:
		if m.applyTombstone(op.Path, ord) {
			changed = true
		}
	}
	return changed, nil
}

type leaf struct {
	path  []string
	value jsonvalue.Value
}

// flattenValue recursively decomposes an object value into leaf (path,
// value) pairs rooted at basePath. Arrays and scalars are stored whole.
func flattenValue(basePath []string, v jsonvalue.Value) []leaf {
	if v.Kind() != jsonvalue.KindObject {
		return []leaf{{path: basePath, value: v}}
	}
	fields, _ := v.AsMap()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var leaves []leaf
	for _, k := range keys {
		childPath := make([]string, len(basePath)+1)
		copy(childPath, basePath)
		childPath[len(basePath)] = k
		leaves = append(leaves, flattenValue(childPath, fields[k])...)
	}
	return leaves
}

func (m *Map) applyLeafSet(path []string, value jsonvalue.Value, ord order) bool {
	key := joinKey(path)
	if existing, ok := m.entries[key]; ok && !ord.beats(existing.ord) {
		return false
	}
	m.entries[key] = &mapEntry{path: clonePath(path), value: value, ord: ord}
	return true
}

func (m *Map) applyTombstone(path []string, ord order) bool {
	key := joinKey(path)
	if existing, ok := m.tombstones[key]; ok && !ord.beats(existing.ord) {
		return false
	}
	m.tombstones[key] = &mapTombstone{ord: ord}
	return true
}

func (m *Map) isVisible(e *mapEntry) bool {
	tomb, ok := m.tombstones[joinKey(e.path)]
	if !ok {
		return true
	}
	return !tomb.ord.beats(e.ord)
}

// Get returns the value addressed by path: the leaf entry if one exists and
// isn't beaten by a tombstone, otherwise the nested object reconstructed
// from descendant entries (descendants win over a coexisting scalar
// ancestor), otherwise (zero Value, false).
func (m *Map) Get(path []string) (jsonvalue.Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(path)
}

func (m *Map) get(prefix []string) (jsonvalue.Value, bool) {
	root := &treeNode{children: map[string]*treeNode{}}
	any := false
	for _, e := range m.entries {
		if !hasPrefix(e.path, prefix) {
			continue
		}
		if validate.CheckPath(e.path) != nil {
			continue // defense in depth: skip any path carrying a blocked key
		}
		if !m.isVisible(e) {
			continue
		}
		suffix := e.path[len(prefix):]
		insertIntoTree(root, suffix, e.value)
		any = true
	}
	if !any {
		return jsonvalue.Value{}, false
	}
	v := treeToValue(root)
	if v == nil {
		return jsonvalue.Value{}, false
	}
	return *v, true
}

// Value materializes the full nested object the map currently represents.
// An empty map materializes to an empty JSON object.
func (m *Map) Value() jsonvalue.Value {
	v, ok := m.Get(nil)
	if !ok {
		return jsonvalue.Object(map[string]jsonvalue.Value{})
	}
	return v
}

// Keys returns the top-level keys of the materialized value, or nil if the
// root does not materialize to an object.
func (m *Map) Keys() []string {
	v := m.Value()
	if !v.IsObject() {
		return nil
	}
	return v.SortedKeys()
}

// Has reports whether the materialized value is an object containing key.
func (m *Map) Has(key string) bool {
	v := m.Value()
	if !v.IsObject() {
		return false
	}
	fields, _ := v.AsMap()
	_, ok := fields[key]
	return ok
}

// Merge replays every operation in other's log through Apply.
func (m *Map) Merge(other *Map) error {
	other.mu.Lock()
	ops := make([]Operation, len(other.log))
	copy(ops, other.log)
	other.mu.Unlock()

	for _, op := range ops {
		if _, err := m.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

// Operations returns a defensive copy of the full operation log, in
// application order, for sync/snapshot purposes.
func (m *Map) Operations() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Operation, len(m.log))
	copy(cp, m.log)
	return cp
}

// OperationsSince returns every logged operation whose timestamp is strictly
// greater than since, used to answer a sync_request's partial-sync query.
func (m *Map) OperationsSince(since map[string]float64) []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Operation
	for _, op := range m.log {
		if op.Timestamp > since[op.Origin] {
			out = append(out, op)
		}
	}
	return out
}

func hasPrefix(path, prefix []string) bool {
	if len(path) < len(prefix) {
		return false
	}
	for i, seg := range prefix {
		if path[i] != seg {
			return false
		}
	}
	return true
}

// treeNode is a scratch structure used only to materialize Get/Value
// results; it is never retained on the Map.
type treeNode struct {
	value    *jsonvalue.Value
	hasValue bool
	children map[string]*treeNode
}

func insertIntoTree(root *treeNode, suffix []string, v jsonvalue.Value) {
	node := root
	for _, seg := range suffix {
		child, ok := node.children[seg]
		if !ok {
			child = &treeNode{children: map[string]*treeNode{}}
			node.children[seg] = child
		}
		node = child
	}
	val := v
	node.value = &val
	node.hasValue = true
}

// treeToValue converts a tree node into a Value. A node with children
// always wins over its own directly-set value.
func treeToValue(node *treeNode) *jsonvalue.Value {
	if len(node.children) > 0 {
		fields := make(map[string]jsonvalue.Value, len(node.children))
		for k, c := range node.children {
			if cv := treeToValue(c); cv != nil {
				fields[k] = *cv
			}
		}
		v := jsonvalue.Object(fields)
		return &v
	}
	if node.hasValue {
		return node.value
	}
	return nil
}

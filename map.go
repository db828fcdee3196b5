package dasdb

import (
	"github.com/cockroachdb/errors"
	"github.com/sirgallo/utils"

	"github.com/datacratic/DasDB-sub001/internal/trie"
)

// Map is spec §4.12's typed `Map<K,V>`: a thread-safe ordered map with
// single-op linearisability over one named COWRegion slot.
type Map[K any, V any] struct {
	name  string
	h     *Handle
	state *mapState

	keys KeyCodec[K]
	vals ValueCodec[V]

	// inline caches whether V is stored directly in the 64-bit leaf slot
	// (decided once, from the zero value, at OpenMap time) — ValueCodec
	// implementations are expected to answer Inline the same way for every
	// value of V, since nothing in the on-file format records, per entry,
	// which branch was taken.
	inline bool
}

// OpenMap opens (without creating) the named map as a Map[K,V], sharing the
// one in-process trie every typed facade over this name must share.
func OpenMap[K any, V any](h *Handle, name string, keys KeyCodec[K], vals ValueCodec[V]) (*Map[K, V], error) {
	state, err := h.mapStateFor(name)
	if err != nil {
		return nil, err
	}
	var zero V
	_, inline := vals.Inline(zero)
	return &Map[K, V]{name: name, h: h, state: state, keys: keys, vals: vals, inline: inline}, nil
}

func (m *Map[K, V]) toLeaf(v V) (trie.Value, error) {
	if m.inline {
		val, _ := m.vals.Inline(v)
		return val, nil
	}
	return m.state.blobs.put(m.vals.Marshal(v))
}

func (m *Map[K, V]) fromLeaf(val trie.Value) V {
	if m.inline {
		return m.vals.FromInline(val)
	}
	return m.vals.Unmarshal(m.state.blobs.get(val))
}

// freeLeaf releases the external blob (if any) backing a value that a
// remove/replace/rollback just discarded, per §4.12's deallocation rule.
func (m *Map[K, V]) freeLeaf(val trie.Value) {
	if !m.inline {
		m.state.blobs.free(val)
	}
}

// Insert implements §4.12's `insert(k,v) -> (iter, bool)`: false iff k was
// already present, in which case v's external storage (if any) is
// deallocated rather than leaked.
func (m *Map[K, V]) Insert(k K, v V) (bool, error) {
	key := m.keys.Encode(k)
	leaf, err := m.toLeaf(v)
	if err != nil {
		return false, err
	}
	existed, err := m.state.mutable.Insert(key, leaf)
	if err != nil {
		return false, err
	}
	if existed {
		m.freeLeaf(leaf)
		return false, nil
	}
	return true, nil
}

// Replace implements §4.12's `replace(k,v) -> (iter, oldV)`: returns the
// zero V and false when k was absent (no insertion happens — matching the
// teacher's own Put-vs-Replace distinction, absent from C9's plain
// insert/CAS pair otherwise).
func (m *Map[K, V]) Replace(k K, v V) (V, bool, error) {
	key := m.keys.Encode(k)
	for {
		old, ok := m.state.mutable.Find(key)
		if !ok {
			var zero V
			return zero, false, nil
		}
		newLeaf, err := m.toLeaf(v)
		if err != nil {
			var zero V
			return zero, false, err
		}
		ok, cur, err := m.state.mutable.CompareAndSwap(key, old, newLeaf)
		if err != nil {
			m.freeLeaf(newLeaf)
			var zero V
			return zero, false, err
		}
		if !ok {
			m.freeLeaf(newLeaf)
			if cur == old {
				// key vanished between Find and CompareAndSwap.
				var zero V
				return zero, false, nil
			}
			continue
		}
		oldV := m.fromLeaf(old)
		m.freeLeaf(old)
		return oldV, true, nil
	}
}

// Remove implements §4.12's `remove(k) -> bool`.
func (m *Map[K, V]) Remove(k K) (bool, error) {
	key := m.keys.Encode(k)
	for {
		old, ok := m.state.mutable.Find(key)
		if !ok {
			return false, nil
		}
		removed, err := m.state.mutable.Remove(key)
		if err != nil {
			return false, err
		}
		if !removed {
			continue
		}
		m.freeLeaf(old)
		return true, nil
	}
}

// CompareAndSwap implements §4.12's `compareAndSwap(k, oldV, newV) ->
// (iter, curV)`: when the key is absent or its current value is not oldV it
// returns false and the current value at once, without retrying; only a
// lost root CAS is retried. newV's external storage is deallocated when the
// swap fails.
func (m *Map[K, V]) CompareAndSwap(k K, oldV, newV V) (bool, V, error) {
	key := m.keys.Encode(k)
	oldLeaf, err := m.toLeaf(oldV)
	if err != nil {
		var zero V
		return false, zero, err
	}
	newLeaf, err := m.toLeaf(newV)
	if err != nil {
		m.freeLeaf(oldLeaf)
		var zero V
		return false, zero, err
	}
	ok, cur, err := m.state.mutable.CompareAndSwap(key, oldLeaf, newLeaf)
	m.freeLeaf(oldLeaf)
	if err != nil {
		m.freeLeaf(newLeaf)
		var zero V
		return false, zero, err
	}
	if !ok {
		m.freeLeaf(newLeaf)
		return false, m.fromLeaf(cur), nil
	}
	return true, newV, nil
}

// FetchAndAdd implements §4.12's `fetchAndAdd(k, δ)`: a CAS-loop
// read-modify-write, usable when ValueCodec's zero value supports addition
// through the caller-supplied add function.
func (m *Map[K, V]) FetchAndAdd(k K, add func(cur V) V) (V, error) {
	key := m.keys.Encode(k)
	for {
		old, ok := m.state.mutable.Find(key)
		if !ok {
			var zero V
			return zero, errors.New("dasdb: fetchAndAdd: key not present")
		}
		oldV := m.fromLeaf(old)
		newV := add(oldV)
		newLeaf, err := m.toLeaf(newV)
		if err != nil {
			var zero V
			return zero, err
		}
		ok, cur, err := m.state.mutable.CompareAndSwap(key, old, newLeaf)
		if err != nil {
			m.freeLeaf(newLeaf)
			var zero V
			return zero, err
		}
		if !ok {
			m.freeLeaf(newLeaf)
			if cur != old {
				continue
			}
			var zero V
			return zero, errors.New("dasdb: fetchAndAdd: key disappeared")
		}
		m.freeLeaf(old)
		return newV, nil
	}
}

// Find implements §4.12's `find`. A miss returns utils.GetZero[V]() rather
// than a bare zero literal, alongside ok=false — the teacher reaches for
// exactly this helper itself (Mari.go), just never calls the line it wrote.
func (m *Map[K, V]) Find(k K) (V, bool) {
	leaf, ok := m.state.mutable.Find(m.keys.Encode(k))
	if !ok {
		return utils.GetZero[V](), false
	}
	return m.fromLeaf(leaf), true
}

// Clear implements §4.9's `clear`, applied to the whole map.
func (m *Map[K, V]) Clear() error {
	return m.state.mutable.Clear()
}

// Size returns the number of entries currently in the map.
func (m *Map[K, V]) Size() uint64 {
	return m.state.mutable.Size()
}

// Current implements §4.12's `current() -> Version<K,V>`: an immutable
// snapshot holding the epoch lock until Release is called.
func (m *Map[K, V]) Current() *MapVersion[K, V] {
	return &MapVersion[K, V]{m: m, view: m.state.mutable.Pin()}
}

// Version returns the version number of the root m.Current() would pin,
// for a caller that wants to record it now and pass it to AtVersion later.
func (m *Map[K, V]) Version() uint64 {
	return m.state.mutable.Version()
}

// AtVersion pins the root published at the given version, resolved through
// the version index attached to m's trie, rather than the current root.
// ok is false when that version was never recorded (see
// trie.Mutable.PinAtVersion).
func (m *Map[K, V]) AtVersion(version uint64) (*MapVersion[K, V], bool) {
	view, ok := m.state.mutable.PinAtVersion(version)
	if !ok {
		return nil, false
	}
	return &MapVersion[K, V]{m: m, view: view}, true
}

// Transaction implements §4.12's `transaction() -> Transaction<K,V>`.
func (m *Map[K, V]) Transaction(opts TransactionOptions[V]) *MapTransaction[K, V] {
	tx := m.state.mutable.Transaction(m.name, trie.TransactionOptions{
		OnInsertConflict: wrapInsertConflict(m, opts.OnInsertConflict),
		OnRemoveConflict: wrapRemoveConflict(m, opts.OnRemoveConflict),
	})
	return &MapTransaction[K, V]{m: m, tx: tx}
}

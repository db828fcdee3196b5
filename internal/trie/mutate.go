package trie

// insertTerm publishes a fresh InlineTerm/BasicKeyedTerm/LargeKeyTerm node
// holding a single (key, value) entry, the universal leaf shape used
// whenever a new key needs a brand-new home.
func (s *store) insertTerm(state State, key Fragment, value Value) (TriePtr, error) {
	n := s.newTerminal(state, Fragment{}, []termEntry{{key: key, value: value}})
	return s.publish(n)
}

// gcList accumulates the TriePtrs a mutation directly supersedes — the
// "local GC list" spec §4.9 describes. It does not include children reused
// unchanged from an old node, only the nodes whose content was replaced.
// The mutable trie (C9) defers reclamation of everything on it until no
// reader can still see the old root (epoch.Manager.Defer); a transaction
// (C10) frees the IN_PLACE nodes on it synchronously after each Insert/Remove
// and defers its commit's list through epoch.Manager.Defer as well.
type gcList struct {
	old []TriePtr
}

func (g *gcList) supersede(p TriePtr) {
	if g == nil || p.IsNull() {
		return
	}
	g.old = append(g.old, p)
}

// insertLeaf returns a subtree with (key, value) inserted under self,
// tagging every newly created node with newState, per §4.7's `insertLeaf`.
// Both the CoW and in-place "variants" the spec names are realised by this
// one constructive implementation: the difference between the two modes is
// entirely in what the caller (C9's mutable trie vs C10's transaction) does
// with the superseded nodes on gc afterwards (deferred RCU reclamation vs
// synchronous workspace reclamation) — see mutable.go/transaction.go.
func (s *store) insertLeaf(self TriePtr, key Fragment, value Value, newState State, gc *gcList) (TriePtr, error) {
	if self.IsNull() {
		return s.insertTerm(newState, key, value)
	}

	n := s.load(self)
	switch v := n.(type) {
	case *terminalNode:
		p, err := s.insertIntoTerminal(v, key, value, newState, gc)
		if err == nil {
			gc.supersede(self)
		}
		return p, err
	case *branchNode:
		p, err := s.insertIntoBranch(v, key, value, newState, gc)
		if err == nil {
			gc.supersede(self)
		}
		return p, err
	default:
		return s.insertTerm(newState, key, value)
	}
}

func (s *store) insertIntoTerminal(v *terminalNode, key Fragment, value Value, newState State, gc *gcList) (TriePtr, error) {
	cp := v.prefix.CommonPrefixLen(key)
	if cp == v.prefix.Bits() {
		rest := key.RemoveBits(v.prefix.Bits())
		entries := make([]termEntry, 0, len(v.entries)+1)
		replaced := false
		for _, e := range v.entries {
			if e.key.Equal(rest) {
				entries = append(entries, termEntry{key: e.key, value: value})
				replaced = true
			} else {
				entries = append(entries, e)
			}
		}
		if !replaced {
			entries = append(entries, termEntry{key: rest, value: value})
		}
		node := s.newTerminal(newState, v.prefix, entries)
		return s.publish(node)
	}

	// Diverges before v's factored prefix is exhausted: split into a branch
	// at the common prefix, with the existing terminal (trimmed) on one
	// side and the new leaf on the other.
	return s.splitAtBranch(v.prefix, cp, func(rebasedOldSuffix Fragment) (TriePtr, error) {
		rehomed := make([]termEntry, len(v.entries))
		for i, e := range v.entries {
			rehomed[i] = termEntry{key: rebasedOldSuffix.Concat(e.key), value: e.value}
		}
		node := s.newTerminal(v.state, Fragment{}, rehomed)
		return s.publish(node)
	}, key.RemoveBits(cp), value, newState)
}

func (s *store) insertIntoBranch(v *branchNode, key Fragment, value Value, newState State, gc *gcList) (TriePtr, error) {
	cp := v.prefix.CommonPrefixLen(key)
	if cp < v.prefix.Bits() {
		return s.splitAtBranch(v.prefix, cp, func(rebasedOldSuffix Fragment) (TriePtr, error) {
			entries := make([]branchEntry, len(v.entries))
			for i, e := range v.entries {
				entries[i] = branchEntry{suffix: rebasedOldSuffix.Concat(e.suffix), ptr: e.ptr}
			}
			node := s.newBranch(v.state, Fragment{}, v.value, entries)
			return s.publish(node)
		}, key.RemoveBits(cp), value, newState)
	}

	rest := key.RemoveBits(v.prefix.Bits())
	if rest.IsEmpty() {
		val := value
		node := s.newBranch(newState, v.prefix, &val, v.entries)
		return s.publish(node)
	}

	idx := -1
	for i, e := range v.entries {
		if e.suffix.Bits() > 0 {
			b1, _ := e.suffix.GetBits(1, 0)
			b2, _ := rest.GetBits(1, 0)
			if b1 == b2 {
				idx = i
				break
			}
		}
	}

	entries := append([]branchEntry(nil), v.entries...)
	if idx < 0 {
		newLeaf, err := s.insertTerm(newState, Fragment{}, value)
		if err != nil {
			return TriePtr{}, err
		}
		entries = append(entries, branchEntry{suffix: rest, ptr: newLeaf})
		node := s.newBranch(newState, v.prefix, v.value, entries)
		return s.publish(node)
	}

	e := entries[idx]
	ecp := e.suffix.CommonPrefixLen(rest)
	if ecp == e.suffix.Bits() {
		childPtr, err := s.insertLeaf(e.ptr, rest.RemoveBits(ecp), value, newState, gc)
		if err != nil {
			return TriePtr{}, err
		}
		entries[idx] = branchEntry{suffix: e.suffix, ptr: childPtr}
		node := s.newBranch(newState, v.prefix, v.value, entries)
		return s.publish(node)
	}

	newLeaf, err := s.insertTerm(newState, Fragment{}, value)
	if err != nil {
		return TriePtr{}, err
	}
	subEntries := []branchEntry{
		{suffix: e.suffix.RemoveBits(ecp), ptr: e.ptr},
		{suffix: rest.RemoveBits(ecp), ptr: newLeaf},
	}
	subNode := s.newBranch(newState, Fragment{}, nil, subEntries)
	subPtr, err := s.publish(subNode)
	if err != nil {
		return TriePtr{}, err
	}
	entries[idx] = branchEntry{suffix: e.suffix.Prefix(ecp), ptr: subPtr}
	node := s.newBranch(newState, v.prefix, v.value, entries)
	return s.publish(node)
}

// splitAtBranch handles the common "key diverges from this node's prefix
// before it's exhausted" case for both branch and terminal nodes: build a
// new branch node at the shared prefix with the (rehomed) old subtree on one
// side and a freshly inserted leaf on the other.
func (s *store) splitAtBranch(oldPrefix Fragment, cp int, rehome func(rebasedOldSuffix Fragment) (TriePtr, error), newKeyRest Fragment, value Value, newState State) (TriePtr, error) {
	oldSuffix := oldPrefix.Suffix(oldPrefix.Bits() - cp)
	rehomedPtr, err := rehome(oldSuffix)
	if err != nil {
		return TriePtr{}, err
	}

	newLeaf, err := s.insertTerm(newState, Fragment{}, value)
	if err != nil {
		return TriePtr{}, err
	}

	entries := []branchEntry{
		{suffix: oldSuffix, ptr: rehomedPtr},
		{suffix: newKeyRest, ptr: newLeaf},
	}
	node := s.newBranch(newState, oldPrefix.Prefix(cp), nil, entries)
	return s.publish(node)
}

// removeLeaf returns a subtree with key removed (or self unchanged, found
// false, if key was absent), per §4.7's `removeLeaf`. Ancestor nodes that
// become redundant (a branch with one remaining child and no value) are
// simplified per §4.11's simplifyNode, preserving I1-I5.
func (s *store) removeLeaf(self TriePtr, key Fragment, newState State, gc *gcList) (TriePtr, bool, error) {
	if self.IsNull() {
		return self, false, nil
	}
	n := s.load(self)
	switch v := n.(type) {
	case *terminalNode:
		cp := v.prefix.CommonPrefixLen(key)
		if cp < v.prefix.Bits() {
			return self, false, nil
		}
		rest := key.RemoveBits(v.prefix.Bits())
		entries := make([]termEntry, 0, len(v.entries))
		found := false
		for _, e := range v.entries {
			if e.key.Equal(rest) {
				found = true
				continue
			}
			entries = append(entries, e)
		}
		if !found {
			return self, false, nil
		}
		gc.supersede(self)
		if len(entries) == 0 {
			return Null(), true, nil
		}
		node := s.newTerminal(newState, v.prefix, entries)
		p, err := s.publish(node)
		return p, true, err

	case *branchNode:
		cp := v.prefix.CommonPrefixLen(key)
		if cp < v.prefix.Bits() {
			return self, false, nil
		}
		rest := key.RemoveBits(v.prefix.Bits())

		if rest.IsEmpty() {
			if v.value == nil {
				return self, false, nil
			}
			gc.supersede(self)
			return s.simplifyBranch(v.prefix, nil, v.entries, newState)
		}

		idx := -1
		for i, e := range v.entries {
			if e.suffix.CommonPrefixLen(rest) == e.suffix.Bits() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return self, false, nil
		}

		e := v.entries[idx]
		childPtr, found, err := s.removeLeaf(e.ptr, rest.RemoveBits(e.suffix.Bits()), newState, gc)
		if err != nil || !found {
			return self, found, err
		}
		gc.supersede(self)

		entries := append([]branchEntry(nil), v.entries...)
		if childPtr.IsNull() {
			entries = append(entries[:idx], entries[idx+1:]...)
		} else {
			entries[idx] = branchEntry{suffix: e.suffix, ptr: childPtr}
		}
		return s.simplifyBranch(v.prefix, v.value, entries, newState)

	default:
		return self, false, nil
	}
}

// simplifyBranch implements simplifyNode's branch-side rules (§4.11): drop
// an empty branch, collapse a single-child branch with no value into its
// child re-prefixed, otherwise republish the trimmed branch.
func (s *store) simplifyBranch(prefix Fragment, value *Value, entries []branchEntry, newState State) (TriePtr, bool, error) {
	switch {
	case len(entries) == 0 && value == nil:
		return Null(), true, nil
	case len(entries) == 0 && value != nil:
		p, err := s.insertTerm(newState, Fragment{}, *value)
		return p, true, err
	case len(entries) == 1 && value == nil:
		child := entries[0]
		merged, err := s.prefixKeys(child.ptr, prefix.Concat(child.suffix), newState)
		return merged, true, err
	default:
		node := s.newBranch(newState, prefix, value, entries)
		p, err := s.publish(node)
		return p, true, err
	}
}

// prefixKeys prepends prefix to every key reachable under self, per §4.7's
// `prefixKeys`/`copyAndPrefixKeys` (used by merge subtree grafting and by
// branch collapse above). Implemented as a copy: it always rebuilds,
// matching `copyAndPrefixKeys`'s "always copies even if state matches."
func (s *store) prefixKeys(self TriePtr, prefix Fragment, newState State) (TriePtr, error) {
	if self.IsNull() {
		return self, nil
	}
	n := s.load(self)
	switch v := n.(type) {
	case *terminalNode:
		node := s.newTerminal(newState, prefix.Concat(v.prefix), v.entries)
		return s.publish(node)
	case *branchNode:
		node := s.newBranch(newState, prefix.Concat(v.prefix), v.value, v.entries)
		return s.publish(node)
	default:
		return self, nil
	}
}

// replaceValue implements §4.7's `replaceValue`: replace the value at the
// given terminal entry (identified here by its full key) with a new one.
func (s *store) replaceValue(self TriePtr, key Fragment, value Value, newState State, gc *gcList) (TriePtr, error) {
	return s.insertLeaf(self, key, value, newState, gc)
}

// changeState converts self (and, to preserve I4, every IN_PLACE
// descendant) between COW and IN_PLACE.
func (s *store) changeState(self TriePtr, newState State) (TriePtr, error) {
	if self.IsNull() {
		return self, nil
	}
	n := s.load(self)
	switch v := n.(type) {
	case *terminalNode:
		node := s.newTerminal(newState, v.prefix, v.entries)
		return s.publish(node)
	case *branchNode:
		entries := make([]branchEntry, len(v.entries))
		for i, e := range v.entries {
			childPtr := e.ptr
			if childPtr.State() != newState {
				converted, err := s.changeState(childPtr, newState)
				if err != nil {
					return TriePtr{}, err
				}
				childPtr = converted
			}
			entries[i] = branchEntry{suffix: e.suffix, ptr: childPtr}
		}
		node := s.newBranch(newState, v.prefix, v.value, entries)
		return s.publish(node)
	default:
		return self, nil
	}
}

// diffDeallocate reclaims the IN_PLACE nodes reachable from newp that are
// not also reachable from basep at the same structural position. Used by a
// transaction's rollback (§4.10) to discard the IN_PLACE nodes it built.
// The walk stops at any node that is not IN_PLACE: every node of the
// published base tree is COW, so no base node is reclaimed, even one that a
// branch split moved under a new suffix. A COW-tagged node the transaction
// built (a split keeps the state of the node it rehomes) is not reclaimed
// either.
func (s *store) diffDeallocate(newp, basep TriePtr) {
	if newp.IsNull() || newp.Equal(basep) || newp.State() != InPlace {
		return
	}
	n := s.load(newp)
	switch v := n.(type) {
	case *branchNode:
		var baseEntries []branchEntry
		if !basep.IsNull() {
			if bn, ok := s.load(basep).(*branchNode); ok {
				baseEntries = bn.entries
			}
		}
		for _, e := range v.entries {
			baseChild := Null()
			for _, be := range baseEntries {
				if be.suffix.Equal(e.suffix) {
					baseChild = be.ptr
					break
				}
			}
			s.diffDeallocate(e.ptr, baseChild)
		}
		s.deallocate(newp)
	case *terminalNode:
		_ = v
		s.deallocate(newp)
	}
}

// deallocateSubtree recursively reclaims self and every descendant,
// used by the mutable trie's Clear (C9), where the entire subtree is
// orphaned at once rather than superseded node-by-node.
func (s *store) deallocateSubtree(self TriePtr) {
	if self.IsNull() {
		return
	}
	n := s.load(self)
	if v, ok := n.(*branchNode); ok {
		for _, e := range v.entries {
			s.deallocateSubtree(e.ptr)
		}
	}
	s.deallocate(self)
}

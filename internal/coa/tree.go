package coa

import (
	"sort"

	"github.com/google/uuid"
)

// treeIndex is a transient view over a tenant's flat account set. It is
// rebuilt per call; the engine never keeps a persistent object graph.
type treeIndex struct {
	byID     map[uuid.UUID]Account
	children map[uuid.UUID][]Account
	roots    []Account
}

// newTreeIndex links parents to children in O(n) and orders every sibling
// list by code ascending so tree views are deterministic.
func newTreeIndex(accounts []Account) *treeIndex {
	ix := &treeIndex{
		byID:     make(map[uuid.UUID]Account, len(accounts)),
		children: make(map[uuid.UUID][]Account),
	}
	for _, a := range accounts {
		ix.byID[a.ID] = a
	}
	for _, a := range accounts {
		if a.ParentID != nil {
			if _, ok := ix.byID[*a.ParentID]; ok {
				ix.children[*a.ParentID] = append(ix.children[*a.ParentID], a)
				continue
			}
		}
		ix.roots = append(ix.roots, a)
	}
	byCode := func(s []Account) {
		sort.Slice(s, func(i, j int) bool { return s[i].Code < s[j].Code })
	}
	byCode(ix.roots)
	for id := range ix.children {
		byCode(ix.children[id])
	}
	return ix
}

// isAncestor walks up from descendant and reports whether ancestorID is on
// the path to a root. Walks are bounded by the map size so a corrupt store
// cannot loop forever.
func (ix *treeIndex) isAncestor(ancestorID, descendantID uuid.UUID) bool {
	cur, ok := ix.byID[descendantID]
	for steps := 0; ok && cur.ParentID != nil && steps <= len(ix.byID); steps++ {
		if *cur.ParentID == ancestorID {
			return true
		}
		cur, ok = ix.byID[*cur.ParentID]
	}
	return false
}

// descendants returns every account below id in breadth-first order.
func (ix *treeIndex) descendants(id uuid.UUID) []Account {
	var out []Account
	queue := append([]Account(nil), ix.children[id]...)
	for len(queue) > 0 {
		a := queue[0]
		queue = queue[1:]
		out = append(out, a)
		queue = append(queue, ix.children[a.ID]...)
	}
	return out
}

// subtreeHeight returns the number of levels below id (0 for a leaf).
func (ix *treeIndex) subtreeHeight(id uuid.UUID) int {
	max := 0
	for _, c := range ix.children[id] {
		if h := ix.subtreeHeight(c.ID) + 1; h > max {
			max = h
		}
	}
	return max
}

// assemble builds AccountNode forests from the index.
func (ix *treeIndex) assemble() []*AccountNode {
	var build func(a Account) *AccountNode
	build = func(a Account) *AccountNode {
		node := &AccountNode{Account: a}
		for _, c := range ix.children[a.ID] {
			node.Children = append(node.Children, build(c))
		}
		return node
	}
	forest := make([]*AccountNode, 0, len(ix.roots))
	for _, r := range ix.roots {
		forest = append(forest, build(r))
	}
	return forest
}

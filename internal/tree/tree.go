// Package tree reconstructs the branch structure of a conversation from its
// flat message set. Messages only store ParentID back-references; children
// are recovered by building a reverse index at query time, so nothing beyond
// the messages themselves is ever persisted.
package tree

import (
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"branchtalk-ai/internal/apperrors"
	"branchtalk-ai/internal/constants"
	"branchtalk-ai/internal/models"
)

// Branch is one enumerated path through the conversation tree, root first.
// Branch ids are positional ("path_0", "path_1", …) and stable between
// writes; a new message may reorder the enumeration.
type Branch struct {
	ID         string               `json:"id"`
	MessageIDs []primitive.ObjectID `json:"message_ids"`
	IsActive   bool                 `json:"is_active"`
}

// Tree is the indexed form of a conversation's message set.
type Tree struct {
	byID       map[primitive.ObjectID]*models.Message
	childrenOf map[primitive.ObjectID][]*models.Message
	// parentOrder records when each parent first gained a child; fork points
	// are reported in this order so the enumeration is stable across calls.
	parentOrder []primitive.ObjectID
	roots       []*models.Message
	ordered     []*models.Message
}

// Build indexes messages by id and by parent. Input order does not matter:
// messages are sorted by creation time (id as tiebreak) first, which makes
// every derived ordering deterministic.
func Build(messages []*models.Message) *Tree {
	ordered := make([]*models.Message, 0, len(messages))
	for _, m := range messages {
		if m != nil {
			ordered = append(ordered, m)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID.Hex() < ordered[j].ID.Hex()
	})

	t := &Tree{
		byID:       make(map[primitive.ObjectID]*models.Message, len(ordered)),
		childrenOf: make(map[primitive.ObjectID][]*models.Message),
		ordered:    ordered,
	}
	for _, m := range ordered {
		t.byID[m.ID] = m
	}
	for _, m := range ordered {
		if m.ParentID == nil {
			t.roots = append(t.roots, m)
			continue
		}
		if _, ok := t.byID[*m.ParentID]; !ok {
			// Orphaned by malformed data; treat as a root so it stays reachable.
			t.roots = append(t.roots, m)
			continue
		}
		if _, ok := t.childrenOf[*m.ParentID]; !ok {
			t.parentOrder = append(t.parentOrder, *m.ParentID)
		}
		t.childrenOf[*m.ParentID] = append(t.childrenOf[*m.ParentID], m)
	}
	// Siblings: branch index ascending, creation time breaking ties (the
	// stable sort preserves the creation order within equal indexes).
	for _, children := range t.childrenOf {
		sort.SliceStable(children, func(i, j int) bool {
			return children[i].BranchIndex < children[j].BranchIndex
		})
	}
	return t
}

func (t *Tree) Get(id primitive.ObjectID) (*models.Message, bool) {
	m, ok := t.byID[id]
	return m, ok
}

// Children returns the sorted children of a message; nil for leaves.
func (t *Tree) Children(id primitive.ObjectID) []*models.Message {
	return t.childrenOf[id]
}

func (t *Tree) Roots() []*models.Message {
	return t.roots
}

func (t *Tree) Size() int {
	return len(t.ordered)
}

// ForkPoints returns every message with more than one child, in the order
// the parents first gained children. Regeneration keys forks on the shared
// parent of the assistant siblings; detection is role-agnostic so divergence
// at the user-message level is enumerated the same way.
func (t *Tree) ForkPoints() []*models.Message {
	var forks []*models.Message
	for _, id := range t.parentOrder {
		if len(t.childrenOf[id]) > 1 {
			forks = append(forks, t.byID[id])
		}
	}
	return forks
}

// CommonHistory walks ParentID pointers from the given message up to its
// root and returns the root→message id path, message included.
func (t *Tree) CommonHistory(id primitive.ObjectID) []primitive.ObjectID {
	var reversed []primitive.ObjectID
	seen := make(map[primitive.ObjectID]bool)
	cur, ok := t.byID[id]
	for ok && cur != nil && !seen[cur.ID] {
		seen[cur.ID] = true
		reversed = append(reversed, cur.ID)
		if cur.ParentID == nil {
			break
		}
		cur, ok = t.byID[*cur.ParentID]
	}
	path := make([]primitive.ObjectID, len(reversed))
	for i, mid := range reversed {
		path[len(reversed)-1-i] = mid
	}
	return path
}

// LinearWalk extends a path forward from the given message. At each step the
// single child whose BranchIndex is exactly one deeper is taken; the walk
// stops at leaves, at second-order forks (those continuations are enumerated
// under their own fork point), and on malformed branch indexes.
func (t *Tree) LinearWalk(from *models.Message) []primitive.ObjectID {
	var ids []primitive.ObjectID
	seen := map[primitive.ObjectID]bool{from.ID: true}
	cur := from
	for {
		var eligible []*models.Message
		for _, child := range t.childrenOf[cur.ID] {
			if child.BranchIndex == cur.BranchIndex+1 && !seen[child.ID] {
				eligible = append(eligible, child)
			}
		}
		if len(eligible) != 1 {
			return ids
		}
		cur = eligible[0]
		seen[cur.ID] = true
		ids = append(ids, cur.ID)
	}
}

// DeepestLeafPath is the forkless walk from a root.
func (t *Tree) DeepestLeafPath(root *models.Message) []primitive.ObjectID {
	path := []primitive.ObjectID{root.ID}
	return append(path, t.LinearWalk(root)...)
}

// Branches enumerates every distinct branch of the conversation:
//  1. each fork point contributes one path per child, built as
//     commonHistory + child + linear walk;
//  2. without forks the sole branch per root is the deepest-leaf walk;
//  3. duplicate id sequences are removed, first occurrence wins;
//  4. ids are assigned positionally and IsActive marks the branch whose
//     sequence equals the conversation's active path exactly.
//
// An empty message set yields zero branches.
func (t *Tree) Branches(activePath []primitive.ObjectID) []Branch {
	var paths [][]primitive.ObjectID

	forks := t.ForkPoints()
	if len(forks) == 0 {
		for _, root := range t.roots {
			paths = append(paths, t.DeepestLeafPath(root))
		}
	} else {
		for _, fork := range forks {
			history := t.CommonHistory(fork.ID)
			for _, child := range t.childrenOf[fork.ID] {
				path := make([]primitive.ObjectID, 0, len(history)+1)
				path = append(path, history...)
				path = append(path, child.ID)
				path = append(path, t.LinearWalk(child)...)
				paths = append(paths, path)
			}
		}
	}

	seen := make(map[string]bool, len(paths))
	branches := make([]Branch, 0, len(paths))
	for _, path := range paths {
		key := pathKey(path)
		if seen[key] {
			continue
		}
		seen[key] = true
		branches = append(branches, Branch{
			ID:         fmt.Sprintf("%s%d", constants.BranchIDPrefix, len(branches)),
			MessageIDs: path,
			IsActive:   SameIDs(path, activePath),
		})
	}
	return branches
}

// ValidatePath checks the active-path invariant: every id resolves to a
// message of this conversation and consecutive entries are parent and child.
// An empty path is valid.
func (t *Tree) ValidatePath(ids []primitive.ObjectID) error {
	for i, id := range ids {
		msg, ok := t.byID[id]
		if !ok {
			return apperrors.InvalidPathf("message %s is not part of the conversation", id.Hex())
		}
		if i == 0 {
			continue
		}
		if msg.ParentID == nil || *msg.ParentID != ids[i-1] {
			return apperrors.InvalidPathf("message %s does not continue from %s", id.Hex(), ids[i-1].Hex())
		}
	}
	return nil
}

// SameIDs reports whether two id sequences are identical.
func SameIDs(a, b []primitive.ObjectID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FindBranch resolves a positional branch id against an enumeration.
func FindBranch(branches []Branch, id string) (*Branch, bool) {
	for i := range branches {
		if branches[i].ID == id {
			return &branches[i], true
		}
	}
	return nil, false
}

func pathKey(ids []primitive.ObjectID) string {
	key := make([]byte, 0, len(ids)*13)
	for _, id := range ids {
		key = append(key, id.Hex()...)
		key = append(key, '/')
	}
	return string(key)
}

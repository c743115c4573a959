package tree

import (
	"fmt"
	"testing"
)

// seqIDs hands out predictable ids so failures are readable.
type seqIDs struct {
	prefix string
	n      int
}

func (g *seqIDs) NewID() string {
	g.n++
	return fmt.Sprintf("%s%d", g.prefix, g.n)
}

type allowAll struct{}

func (allowAll) CanAcceptChild(string, string) bool { return true }

type denyPairs map[[2]string]bool

func (d denyPairs) CanAcceptChild(parent, child string) bool {
	return !d[[2]string{parent, child}]
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(NewTree("ROOT", "Container"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

// addNode creates id under parentID (appended) with optional style props.
func addNode(t *testing.T, s *Store, id, typeTag, parentID string, style map[string]any) string {
	t.Helper()
	node := &Node{ID: id, TypeTag: typeTag, ChildIDs: []string{}, Props: Props{Extra: style}}
	if err := s.Add(map[string]*Node{id: node}); err != nil {
		t.Fatalf("Add(%s) error = %v", id, err)
	}
	if err := s.Attach(id, parentID, len(s.Children(parentID))); err != nil {
		t.Fatalf("Attach(%s) error = %v", id, err)
	}
	return id
}

func mustNode(t *testing.T, s *Store, id string) *Node {
	t.Helper()
	node, ok := s.Node(id)
	if !ok {
		t.Fatalf("node %s missing", id)
	}
	return node
}

// shape renders type tags by nesting, independent of ids.
func shape(s *Store, id string) string {
	node, ok := s.nodes[id]
	if !ok {
		return "?"
	}
	out := node.TypeTag + "("
	for i, childID := range node.ChildIDs {
		if i > 0 {
			out += ","
		}
		out += shape(s, childID)
	}
	return out + ")"
}

// instantiate clones masterID, inserts it under parentID and links it.
func instantiate(t *testing.T, s *Store, ids IDGenerator, masterID, parentID string, rel RelationType) string {
	t.Helper()
	src, ok := s.Subtree(masterID)
	if !ok {
		t.Fatalf("Subtree(%s) missing", masterID)
	}
	res := Clone(src, s, ids)
	if len(res.Warnings) > 0 {
		t.Fatalf("Clone() warnings = %v", res.Warnings)
	}
	if err := s.Add(res.Nodes); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Attach(res.RootID, parentID, len(s.Children(parentID))); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := Link(s, res.RootID, res.OriginalRootID, rel, nil); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	return res.RootID
}

package tree

import (
	"errors"
	"fmt"
)

var (
	// ErrStructuralViolation marks a rejected mutation: a placement rule said
	// no, an index was out of range, or an id was missing. The store is left
	// untouched when it is returned.
	ErrStructuralViolation = errors.New("structural violation")
	// ErrNotFound is a StructuralViolation for a missing node id.
	ErrNotFound = fmt.Errorf("%w: node not found", ErrStructuralViolation)
	// ErrRelationInconsistency marks an operation that needs a master/instance
	// relation that is not there (or is stale).
	ErrRelationInconsistency = errors.New("relation inconsistency")
	// ErrClosed is returned by mutations on a store that has been torn down.
	ErrClosed = errors.New("store closed")
)

func notFound(id string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, id)
}

// WarningKind classifies a non-fatal problem found while working on a tree.
type WarningKind string

const (
	WarnCloneIntegrityGap WarningKind = "clone_integrity_gap"
	// WarnRelationUpdate marks a hasMany or style replay write that failed
	// after the structural work had succeeded.
	WarnRelationUpdate WarningKind = "relation_update_failed"
)

// Warning is surfaced to callers instead of failing the whole operation.
type Warning struct {
	Kind   WarningKind `json:"kind"`
	NodeID string      `json:"nodeId"`
	Ref    string      `json:"ref"`
	Slot   string      `json:"slot,omitempty"`
	Detail string      `json:"detail,omitempty"`
}

func (w Warning) String() string {
	if w.Kind == WarnRelationUpdate {
		return fmt.Sprintf("%s: node %s ref %s: %s", w.Kind, w.NodeID, w.Ref, w.Detail)
	}
	if w.Slot != "" {
		return fmt.Sprintf("%s: node %s slot %s references missing %s", w.Kind, w.NodeID, w.Slot, w.Ref)
	}
	return fmt.Sprintf("%s: node %s references missing %s", w.Kind, w.NodeID, w.Ref)
}

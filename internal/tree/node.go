// Package tree holds the page document model: nodes with stable identities,
// the node store, cloning, insertion resolution, master/instance linking and
// the structural sync engine.
package tree

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
)

// RelationType is the variant of a master/instance relation.
type RelationType string

const (
	RelationNone  RelationType = ""
	RelationFull  RelationType = "full"
	RelationStyle RelationType = "style"
)

func (r RelationType) Valid() bool {
	return r == RelationFull || r == RelationStyle
}

// Known prop keys. Everything else in a prop bag is opaque to this package.
const (
	PropCanDelete    = "canDelete"
	PropType         = "type"
	PropBelongsTo    = "belongsTo"
	PropRelationType = "relationType"
	PropHasMany      = "hasMany"
)

var knownProps = map[string]struct{}{
	PropCanDelete:    {},
	PropType:         {},
	PropBelongsTo:    {},
	PropRelationType: {},
	PropHasMany:      {},
}

// Props is a node's prop bag: the structural and relation fields this package
// interprets, plus Extra for visual/style data it round-trips untouched.
type Props struct {
	CanDelete    *bool
	Type         string
	BelongsTo    string
	RelationType RelationType
	HasMany      []string
	Extra        map[string]any
}

// Style returns a copy of the style-bearing props (everything outside the
// known structural and relation fields).
func (p Props) Style() map[string]any {
	return deepCopyMap(p.Extra)
}

// Copy returns a deep copy.
func (p Props) Copy() Props {
	out := p
	if p.CanDelete != nil {
		v := *p.CanDelete
		out.CanDelete = &v
	}
	out.HasMany = slices.Clone(p.HasMany)
	out.Extra = deepCopyMap(p.Extra)
	return out
}

// WithoutRelations returns a copy with belongsTo, relationType and hasMany cleared.
func (p Props) WithoutRelations() Props {
	out := p.Copy()
	out.BelongsTo = ""
	out.RelationType = RelationNone
	out.HasMany = nil
	return out
}

func (p Props) hasInstance(id string) bool {
	return slices.Contains(p.HasMany, id)
}

func (p Props) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(p.Extra)+5)
	for k, v := range p.Extra {
		flat[k] = v
	}
	if p.CanDelete != nil {
		flat[PropCanDelete] = *p.CanDelete
	}
	if p.Type != "" {
		flat[PropType] = p.Type
	}
	if p.BelongsTo != "" {
		flat[PropBelongsTo] = p.BelongsTo
	}
	if p.RelationType != RelationNone {
		flat[PropRelationType] = string(p.RelationType)
	}
	if len(p.HasMany) > 0 {
		flat[PropHasMany] = p.HasMany
	}
	return json.Marshal(flat)
}

func (p *Props) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode props: %w", err)
	}
	*p = Props{}
	for key, value := range raw {
		switch key {
		case PropCanDelete:
			var v bool
			if err := json.Unmarshal(value, &v); err != nil {
				return fmt.Errorf("decode props.%s: %w", key, err)
			}
			p.CanDelete = &v
		case PropType:
			if err := json.Unmarshal(value, &p.Type); err != nil {
				return fmt.Errorf("decode props.%s: %w", key, err)
			}
		case PropBelongsTo:
			// Cleared relations are sometimes persisted as null.
			if string(value) == "null" {
				continue
			}
			if err := json.Unmarshal(value, &p.BelongsTo); err != nil {
				return fmt.Errorf("decode props.%s: %w", key, err)
			}
		case PropRelationType:
			if string(value) == "null" {
				continue
			}
			var v string
			if err := json.Unmarshal(value, &v); err != nil {
				return fmt.Errorf("decode props.%s: %w", key, err)
			}
			p.RelationType = RelationType(v)
		case PropHasMany:
			if err := json.Unmarshal(value, &p.HasMany); err != nil {
				return fmt.Errorf("decode props.%s: %w", key, err)
			}
		default:
			var v any
			if err := json.Unmarshal(value, &v); err != nil {
				return fmt.Errorf("decode props.%s: %w", key, err)
			}
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[key] = v
		}
	}
	return nil
}

// Node is one component in the page tree.
type Node struct {
	ID          string            `json:"-"`
	TypeTag     string            `json:"typeTag"`
	Props       Props             `json:"props"`
	ParentID    string            `json:"parentId,omitempty"`
	ChildIDs    []string          `json:"childIds"`
	LinkedNodes map[string]string `json:"linkedNodeIds,omitempty"`
	CustomMeta  map[string]any    `json:"customMeta,omitempty"`
}

// Copy returns a deep copy of n.
func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	return &Node{
		ID:          n.ID,
		TypeTag:     n.TypeTag,
		Props:       n.Props.Copy(),
		ParentID:    n.ParentID,
		ChildIDs:    slices.Clone(n.ChildIDs),
		LinkedNodes: maps.Clone(n.LinkedNodes),
		CustomMeta:  deepCopyMap(n.CustomMeta),
	}
}

// DisplayName is the user-assigned name from CustomMeta, falling back to the type tag.
func (n *Node) DisplayName() string {
	if name, ok := n.CustomMeta["displayName"].(string); ok && name != "" {
		return name
	}
	return n.TypeTag
}

// linkedSlots returns the linked slot names in a stable order.
func (n *Node) linkedSlots() []string {
	slots := make([]string, 0, len(n.LinkedNodes))
	for slot := range n.LinkedNodes {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	return slots
}

// indexOf returns the position of childID in n.ChildIDs or -1.
func (n *Node) indexOf(childID string) int {
	return slices.Index(n.ChildIDs, childID)
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return deepCopyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

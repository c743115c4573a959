package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNameTaken is returned when a component name is already registered to
// a different master.
var ErrNameTaken = errors.New("component name already registered")

// Components maps component names to master root ids for one open
// document. It is created when the document opens and dropped when it
// closes. Callers serialize access.
type Components struct {
	byName   map[string]string
	byMaster map[string]string
}

func NewComponents(names map[string]string) *Components {
	c := &Components{byName: make(map[string]string), byMaster: make(map[string]string)}
	for name, id := range names {
		c.byName[name] = id
		c.byMaster[id] = name
	}
	return c
}

// Master returns the root id registered under name.
func (c *Components) Master(name string) (string, bool) {
	id, ok := c.byName[name]
	return id, ok
}

// NameOf returns the name masterID is registered under.
func (c *Components) NameOf(masterID string) (string, bool) {
	name, ok := c.byMaster[masterID]
	return name, ok
}

func (c *Components) IsMaster(id string) bool {
	_, ok := c.byMaster[id]
	return ok
}

// Register binds name to masterID. Re-registering the same pair is a no-op;
// a master may only carry one name.
func (c *Components) Register(name, masterID string) error {
	name = strings.TrimSpace(name)
	if name == "" || masterID == "" {
		return fmt.Errorf("component name and master id are required")
	}
	if existing, ok := c.byName[name]; ok {
		if existing == masterID {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrNameTaken, name)
	}
	if old, ok := c.byMaster[masterID]; ok {
		delete(c.byName, old)
	}
	c.byName[name] = masterID
	c.byMaster[masterID] = name
	return nil
}

// Unregister drops masterID and reports whether it was registered.
func (c *Components) Unregister(masterID string) bool {
	name, ok := c.byMaster[masterID]
	if !ok {
		return false
	}
	delete(c.byMaster, masterID)
	delete(c.byName, name)
	return true
}

// Masters lists registered master root ids sorted by name.
func (c *Components) Masters() []string {
	names := c.Names()
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = c.byName[name]
	}
	return out
}

func (c *Components) Names() []string {
	out := make([]string, 0, len(c.byName))
	for name := range c.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Map returns a copy of the name to master id table, for persistence.
func (c *Components) Map() map[string]string {
	out := make(map[string]string, len(c.byName))
	for name, id := range c.byName {
		out[name] = id
	}
	return out
}

package tree

import "github.com/rs/xid"

// IDGenerator allocates node identities that are unique for the life of the process.
type IDGenerator interface {
	NewID() string
}

// XIDGenerator produces globally unique, sortable 20-character ids.
type XIDGenerator struct{}

func (XIDGenerator) NewID() string {
	return xid.New().String()
}

// DefaultIDs is used when a caller does not supply its own generator.
var DefaultIDs IDGenerator = XIDGenerator{}

package cap

import "strings"

// Rights gate what a handle permits, one bit per operation class. Checks
// are bitwise AND against the operation's required bit; derivation
// (restrict, openat, delegation) only ever narrows the set.
type Rights uint32

const (
	RightRead        Rights = 0x0001
	RightWrite       Rights = 0x0002
	RightSeek        Rights = 0x0004
	RightStat        Rights = 0x0008
	RightEnum        Rights = 0x0010
	RightCreateChild Rights = 0x0020
	RightDeleteChild Rights = 0x0040
	RightLookup      Rights = 0x0080
)

// Default bundles handed out when an open does not name its rights.
const (
	FileRead Rights = RightRead | RightSeek | RightStat
	FileRW   Rights = FileRead | RightWrite
	DirRead  Rights = RightStat | RightEnum | RightLookup
	DirFull  Rights = DirRead | RightCreateChild | RightDeleteChild
)

// Has reports whether every bit in want is present.
func (r Rights) Has(want Rights) bool { return r&want == want }

var rightNames = []struct {
	bit  Rights
	name string
}{
	{RightRead, "read"},
	{RightWrite, "write"},
	{RightSeek, "seek"},
	{RightStat, "stat"},
	{RightEnum, "enum"},
	{RightCreateChild, "create"},
	{RightDeleteChild, "delete"},
	{RightLookup, "lookup"},
}

// String renders the set for logs and introspection.
func (r Rights) String() string {
	if r == 0 {
		return "none"
	}
	parts := make([]string, 0, 4)
	for _, n := range rightNames {
		if r&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

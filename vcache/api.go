package vcache

import (
	"context"
	"io/fs"
)

// NodeType is the file type of the object behind a node.
type NodeType uint8

const (
	TypeNone NodeType = iota
	TypeRegular
	TypeDirectory
	TypeSymlink
	TypeBlock
	TypeChar
	TypeFIFO
	TypeSocket
)

var typeNames = [...]string{"none", "reg", "dir", "lnk", "blk", "chr", "fifo", "sock"}

func (t NodeType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "invalid"
}

// IsDevice reports whether t is a block or character device.
func (t NodeType) IsDevice() bool { return t == TypeBlock || t == TypeChar }

// DeviceID names a device endpoint. Every live node with the same DeviceID
// aliases the same device and is reclaimed together by Revoke.
type DeviceID struct {
	Type NodeType
	Rdev uint64
}

// Attrs describes an object to create.
type Attrs struct {
	Type NodeType
	Mode fs.FileMode
	Name string
	Rdev uint64
	// Extra is passed through to the back end (e.g. a symlink target).
	Extra any
}

// Loaded is what a back end returns from a successful Load or Create.
type Loaded struct {
	// Key is the definitive key. For Load it may be nil (keep the lookup key)
	// or must equal the lookup key. For Create an empty key makes an
	// anonymous node that is never hashed.
	Key  []byte
	Data any
	Type NodeType
	Rdev uint64
}

// Backend is implemented once per file-system driver.
//
// Load and Create run without any cache lock held. Deactivate and
// Disassociate run with the node's content lock held.
type Backend interface {
	// Load populates the node for an existing key.
	Load(ctx context.Context, n *Node, key []byte) (Loaded, error)
	// Create allocates a new object under parent (nil for the root).
	Create(ctx context.Context, n *Node, parent *Node, attrs Attrs) (Loaded, error)
	// Deactivate is called with no other strong references outstanding and
	// reports whether the object is gone and the node should be recycled.
	Deactivate(n *Node) (recycle bool)
	// Disassociate tears down the back end's data. A non-nil error is fatal.
	Disassociate(n *Node) error
}

// Flusher is implemented by back ends that cache dirty data per node.
// Flush(n, true) writes it back; Flush(n, false) discards it.
type Flusher interface {
	Flush(n *Node, save bool) error
}

// DeviceRevoker closes an open device endpoint when a still-referenced
// device node is reclaimed.
type DeviceRevoker interface {
	RevokeDevice(n *Node)
}

// Rekeyer adjusts back end indices around Cache.RekeyExit / RekeyAbort.
type Rekeyer interface {
	RekeyApply(n *Node, oldKey, newKey []byte)
	RekeyCancel(n *Node, oldKey, newKey []byte)
}

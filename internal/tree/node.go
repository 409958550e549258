// Package tree implements madbfs's lazy, TTL-validated file tree (C7,
// spec §4.6): a tagged union of node kinds rooted at "/", mapping POSIX
// operations onto Connection and PageCache calls while maintaining the
// invariants of spec §8. Grounded on backend/cache's directory.go and
// object.go, generalized from rclone's remote-object model to madbfs's
// tagged-union Node.
package tree

import (
	"time"

	"github.com/mrizaln/madbfs/internal/wire"
)

// Kind discriminates a Node's variant (spec §3).
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindLink
	KindOther
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindLink:
		return "link"
	case KindOther:
		return "other"
	case KindError:
		return "error"
	}
	return "unknown"
}

// handleRecord is one open descriptor on a regular-file Node (spec §3).
type handleRecord struct {
	flags uint32
}

// Node is a tagged union over {Regular, Directory, Link, Other, Error}
// (spec §3). parent is a non-owning back-reference; Node never outlives
// the map entry its parent holds for it.
type Node struct {
	parent *Node
	name   string

	kind   Kind
	stat   wire.Stat
	expiry time.Time

	linkTarget string     // valid when kind == KindLink
	errCode    error      // valid when kind == KindError
	children   *Directory // valid when kind == KindDirectory

	handles map[uint64]handleRecord // valid when kind == KindRegular
	dirty   bool
}

// newNode constructs a detached node with no children/handles yet;
// callers set kind-specific fields afterward.
func newNode(parent *Node, name string) *Node {
	return &Node{parent: parent, name: name}
}

// Accessors for the node's variant fields. A node's Id is not stored on
// the Node: FileTree assigns it from its own counter (assignID) and keeps
// it in its idByNode map.
func (n *Node) Kind() Kind           { return n.kind }
func (n *Node) Stat() wire.Stat      { return n.stat }
func (n *Node) Name() string         { return n.name }
func (n *Node) LinkTarget() string   { return n.linkTarget }
func (n *Node) Err() error           { return n.errCode }
func (n *Node) IsExpired(now time.Time) bool {
	return n.expiry.IsZero() || now.After(n.expiry)
}

func (n *Node) setExpiry(now time.Time, ttl time.Duration) {
	if ttl <= 0 {
		n.expiry = now.Add(365 * 24 * time.Hour) // TTL disabled: never expires
		return
	}
	n.expiry = now.Add(ttl)
}

// toDirectory transitions n to the Directory variant. A node that was not
// already a directory gets a fresh, not-yet-listed child set (spec §4.6
// state machine); a node that already was one keeps its children and its
// readdir-complete flag.
func (n *Node) toDirectory(stat wire.Stat) {
	if n.kind != KindDirectory {
		n.children = newDirectory()
	}
	n.kind = KindDirectory
	n.stat = stat
}

// toRegular transitions n to the Regular variant. The caller is
// responsible for invalidating cached pages when size/mtime changed
// (spec §4.6's "Regular→Regular with different size/mtime invalidates
// cached pages").
func (n *Node) toRegular(stat wire.Stat) {
	if n.kind != KindRegular {
		n.handles = make(map[uint64]handleRecord)
	}
	n.kind = KindRegular
	n.stat = stat
}

func (n *Node) toLink(stat wire.Stat, target string) {
	n.kind = KindLink
	n.stat = stat
	n.linkTarget = target
}

func (n *Node) toOther(stat wire.Stat) {
	n.kind = KindOther
	n.stat = stat
}

func (n *Node) toError(err error) {
	n.kind = KindError
	n.errCode = err
}

// sameIdentity reports whether a revalidated stat describes the same
// underlying file as before (spec §4.6: size/mtime change triggers
// cache invalidation for regular files).
func sameIdentity(a, b wire.Stat) bool {
	return a.Size == b.Size && a.Mtime == b.Mtime
}

package tree

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrizaln/madbfs/internal/cache"
	"github.com/mrizaln/madbfs/internal/connection"
	"github.com/mrizaln/madbfs/internal/errs"
	"github.com/mrizaln/madbfs/internal/path"
	"github.com/mrizaln/madbfs/internal/wire"
)

// FileTree owns the root Node, the file-descriptor counter, the
// id-allocation counter, and the TTL used for stat freshness (spec §3).
type FileTree struct {
	conn  connection.Connection
	cache *cache.PageCache
	ttl   time.Duration

	mu       sync.Mutex
	root     *Node
	nextID   uint64
	nextFD   uint64
	idByNode map[*Node]uint64
}

// New constructs a FileTree backed by conn and cache, with stat entries
// considered fresh for ttl (0 disables expiry, spec §6).
func New(conn connection.Connection, pageCache *cache.PageCache, ttl time.Duration) *FileTree {
	root := newNode(nil, "")
	t := &FileTree{
		conn:     conn,
		cache:    pageCache,
		ttl:      ttl,
		root:     root,
		idByNode: make(map[*Node]uint64),
	}
	root.toDirectory(wire.Stat{Mode: dirMode})
	t.assignID(root)
	return t
}

const dirMode = 0o40755 // S_IFDIR | 0755, used for the synthetic root

func (t *FileTree) assignID(n *Node) uint64 {
	t.nextID++
	id := t.nextID
	t.idByNode[n] = id
	return id
}

func (t *FileTree) idOf(n *Node) uint64 {
	return t.idByNode[n]
}

func (t *FileTree) now() time.Time { return time.Now() }

// SetTTL changes the stat-freshness window used by future revalidation
// checks, serving the control endpoint's set_ttl op (spec §4.8).
func (t *FileTree) SetTTL(ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ttl = ttl
}

// Traverse walks from the root using the parent→child mapping;
// unknown components fail with not-found (spec §4.6). It does not
// build missing nodes or revalidate expired ones.
func (t *FileTree) Traverse(p path.Path) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.traverseLocked(p)
}

func (t *FileTree) traverseLocked(p path.Path) (*Node, error) {
	cur := t.root
	for _, comp := range p.Components() {
		if cur.kind != KindDirectory {
			return nil, errs.ErrNotADirectory
		}
		child, ok := cur.children.get(comp)
		if !ok {
			return nil, errs.ErrNotFound
		}
		cur = child
	}
	return cur, nil
}

// TraverseOrBuild walks as far as the cache allows, then stats each
// missing component from the connection and materializes an
// intermediate node of the appropriate variant; directory components
// that fail to stat as directories fail the walk with not-a-directory
// (spec §4.6).
func (t *FileTree) TraverseOrBuild(p path.Path) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.root

	built := path.Root()
	for _, comp := range p.Components() {
		built = built.MustExtend(comp)
		if cur.kind != KindDirectory {
			return nil, errs.ErrNotADirectory
		}

		child, ok := cur.children.get(comp)
		if ok {
			// revalidation may turn the node into Error; callers then
			// see the cached Error node/code uniformly.
			_ = t.revalidateLocked(child, built)
			if child.kind == KindError {
				return nil, child.errCode
			}
			cur = child
			continue
		}

		st, err := t.conn.Stat(built.String())
		if err != nil {
			return nil, err
		}
		child = newNode(cur, comp)
		t.materialize(child, st, nil)
		child.setExpiry(t.now(), t.ttl)
		t.assignID(child)
		cur.children.put(child)
		cur = child
	}
	return cur, nil
}

// revalidateLocked refreshes n if expired, updating its variant and
// invalidating cached pages on identity change (spec §4.6). Transient
// errors never overwrite the node's kind (spec §7).
func (t *FileTree) revalidateLocked(n *Node, p path.Path) error {
	if n == t.root {
		return nil // the root has no remote identity to restat
	}
	if !n.IsExpired(t.now()) {
		return nil
	}

	st, err := t.conn.Stat(p.String())
	if err != nil {
		if errs.Transient(err) {
			return err
		}
		n.toError(err)
		return err
	}

	prevKind := n.kind
	prevStat := n.stat
	id := t.idOf(n)

	t.materialize(n, st, nil)
	n.setExpiry(t.now(), t.ttl)

	if prevKind == KindLink {
		target, lerr := t.conn.Readlink(p.String())
		if lerr == nil {
			n.linkTarget = target
		}
	}
	if prevKind != n.kind {
		if prevKind == KindDirectory || n.kind == KindDirectory {
			// Directory<->non-Directory transition: nothing further to
			// clear here since toDirectory/toRegular already reset the
			// kind-specific state.
		}
		_ = t.cache.InvalidateOne(id, false)
		return nil
	}
	if n.kind == KindRegular && !sameIdentity(prevStat, st) {
		_ = t.cache.InvalidateOne(id, false)
	}
	return nil
}

// materialize sets n's variant fields from a freshly obtained Stat.
func (t *FileTree) materialize(n *Node, st wire.Stat, linkTarget *string) {
	switch st.Mode & unixIFMT {
	case unixIFDIR:
		n.toDirectory(st)
	case unixIFLNK:
		target := ""
		if linkTarget != nil {
			target = *linkTarget
		}
		n.toLink(st, target)
	case unixIFREG:
		n.toRegular(st)
	default:
		n.toOther(st)
	}
}

const (
	unixIFMT  = 0xf000
	unixIFDIR = 0x4000
	unixIFLNK = 0xa000
	unixIFREG = 0x8000
)

// Readdir lists a directory's children, merging freshly fetched entries
// with the cache on first listing (spec §4.6).
func (t *FileTree) Readdir(p path.Path) ([]*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dir, err := t.traverseLocked(p)
	if err != nil {
		dir, err = t.buildLocked(p)
		if err != nil {
			return nil, err
		}
	}
	if dir.kind != KindDirectory {
		return nil, errs.ErrNotADirectory
	}

	if !dir.children.complete {
		entries, err := t.conn.Statdir(p.String())
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(entries))
		for _, e := range entries {
			seen[e.Name] = true
			child, ok := dir.children.get(e.Name)
			if !ok {
				child = newNode(dir, e.Name)
				t.materialize(child, e.Stat, nil)
				child.setExpiry(t.now(), t.ttl)
				t.assignID(child)
				dir.children.put(child)
				continue
			}
			t.materialize(child, e.Stat, nil)
			child.setExpiry(t.now(), t.ttl)
		}
		for _, name := range dir.children.names() {
			if !seen[name] {
				dir.children.remove(name)
			}
		}
		dir.children.complete = true
	}

	out := make([]*Node, 0, len(dir.children.children))
	for _, c := range dir.children.children {
		out = append(out, c)
	}
	return out, nil
}

func (t *FileTree) buildLocked(p path.Path) (*Node, error) {
	t.mu.Unlock()
	n, err := func() (*Node, error) {
		return t.TraverseOrBuild(p)
	}()
	t.mu.Lock()
	return n, err
}

// Open allocates a new fd for a regular-file node and records it with
// the open flags (spec §4.6).
func (t *FileTree) Open(p path.Path, flags uint32) (uint64, *Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.traverseLocked(p)
	if err != nil {
		return 0, nil, err
	}
	if n.kind != KindRegular {
		return 0, nil, errs.ErrIsADirectory
	}
	t.nextFD++
	fd := t.nextFD
	n.handles[fd] = handleRecord{flags: flags}
	return fd, n, nil
}

// Read serves a read through the page cache for an open fd.
func (t *FileTree) Read(n *Node, fd uint64, buf []byte, offset int64) (int, error) {
	t.mu.Lock()
	if _, ok := n.handles[fd]; !ok {
		t.mu.Unlock()
		return 0, errs.ErrBadFileDescriptor
	}
	id := t.idOf(n)
	p := t.pathOfLocked(n)
	t.mu.Unlock()

	return t.cache.Read(id, p, buf, offset)
}

// Write serves a write through the page cache for an open fd, marking
// the node dirty (spec §3: "dirty flag is set by any successful
// write").
func (t *FileTree) Write(n *Node, fd uint64, data []byte, offset int64) (int, error) {
	t.mu.Lock()
	if _, ok := n.handles[fd]; !ok {
		t.mu.Unlock()
		return 0, errs.ErrBadFileDescriptor
	}
	id := t.idOf(n)
	p := t.pathOfLocked(n)
	t.mu.Unlock()

	written, err := t.cache.Write(id, p, data, offset)
	if err == nil && written > 0 {
		t.mu.Lock()
		n.dirty = true
		if end := offset + int64(written); end > n.stat.Size {
			n.stat.Size = end
		}
		t.mu.Unlock()
	}
	return written, err
}

// Flush writes back n's dirty pages if any (spec §4.6).
func (t *FileTree) Flush(n *Node) error {
	t.mu.Lock()
	id := t.idOf(n)
	dirty := n.dirty
	t.mu.Unlock()
	if !dirty {
		return nil
	}
	if err := t.cache.Flush(id); err != nil {
		return err
	}
	t.mu.Lock()
	n.dirty = false
	t.mu.Unlock()
	return nil
}

// Release flushes if dirty then forgets fd; releasing an unknown fd
// fails with bad-file-descriptor (spec §4.6).
func (t *FileTree) Release(n *Node, fd uint64) error {
	t.mu.Lock()
	if _, ok := n.handles[fd]; !ok {
		t.mu.Unlock()
		return errs.ErrBadFileDescriptor
	}
	t.mu.Unlock()

	if err := t.Flush(n); err != nil {
		return err
	}

	t.mu.Lock()
	delete(n.handles, fd)
	t.mu.Unlock()
	return nil
}

// pathOfLocked reconstructs n's absolute path by walking parent
// back-references; caller must hold t.mu.
func (t *FileTree) pathOfLocked(n *Node) string {
	if n == t.root {
		return "/"
	}
	names := []string{n.name}
	for cur := n.parent; cur != nil && cur != t.root; cur = cur.parent {
		names = append([]string{cur.name}, names...)
	}
	p := path.Root()
	for _, name := range names {
		p = p.MustExtend(name)
	}
	return p.String()
}

// Mknod creates a regular file (or device node) and installs it in the
// tree.
func (t *FileTree) Mknod(p path.Path, mode uint32, dev uint64) error {
	if err := t.conn.Mknod(p.String(), mode, dev); err != nil {
		return err
	}
	return t.insertFresh(p)
}

// Mkdir creates a directory and installs it in the tree.
func (t *FileTree) Mkdir(p path.Path, mode uint32) error {
	if err := t.conn.Mkdir(p.String(), mode); err != nil {
		return err
	}
	return t.insertFresh(p)
}

func (t *FileTree) insertFresh(p path.Path) error {
	t.mu.Lock()
	parent, err := t.traverseLocked(p.Parent())
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	st, err := t.conn.Stat(p.String())
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	n := newNode(parent, p.Base())
	t.materialize(n, st, nil)
	n.setExpiry(t.now(), t.ttl)
	t.assignID(n)
	parent.children.put(n)
	return nil
}

// Unlink removes a non-directory entry.
func (t *FileTree) Unlink(p path.Path) error {
	if err := t.conn.Unlink(p.String()); err != nil {
		return err
	}
	return t.removeFromParent(p)
}

// Rmdir removes an empty directory; directory-not-empty propagates
// from the connection (spec §4.6 scenario 5).
func (t *FileTree) Rmdir(p path.Path) error {
	if err := t.conn.Rmdir(p.String()); err != nil {
		return err
	}
	return t.removeFromParent(p)
}

func (t *FileTree) removeFromParent(p path.Path) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, err := t.traverseLocked(p.Parent())
	if err != nil {
		return nil // already gone from the tree view; nothing to do
	}
	if n, ok := parent.children.get(p.Base()); ok {
		id := t.idOf(n)
		delete(t.idByNode, n)
		_ = t.cache.InvalidateOne(id, false)
	}
	parent.children.remove(p.Base())
	return nil
}

// Rename performs the remote rename first, then updates the tree and
// page cache mappings (spec §4.6).
func (t *FileTree) Rename(from, to path.Path, flags uint32) error {
	t.mu.Lock()
	if flags == connection.RenameNoReplace {
		toParent, err := t.traverseLocked(to.Parent())
		if err == nil {
			if existing, ok := toParent.children.get(to.Base()); ok && existing.kind != KindError {
				t.mu.Unlock()
				return errs.ErrFileExists
			}
		}
	}
	t.mu.Unlock()

	if err := t.conn.Rename(from.String(), to.String(), flags); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fromParent, err := t.traverseLocked(from.Parent())
	if err != nil {
		return nil
	}
	srcNode, ok := fromParent.children.get(from.Base())
	if !ok {
		return nil
	}
	toParent, err := t.traverseLocked(to.Parent())
	if err != nil {
		return nil
	}

	if flags == connection.RenameExchange {
		dstNode, ok := toParent.children.get(to.Base())
		if ok {
			srcID, dstID := t.idOf(srcNode), t.idOf(dstNode)
			t.cache.Exchange(srcID, dstID)
			t.cache.Rename(srcID, to.String())
			t.cache.Rename(dstID, from.String())

			fromParent.children.remove(from.Base())
			toParent.children.remove(to.Base())
			srcNode.name, dstNode.name = to.Base(), from.Base()
			srcNode.parent, dstNode.parent = toParent, fromParent
			toParent.children.put(srcNode)
			fromParent.children.put(dstNode)
		}
		return nil
	}

	if dstNode, ok := toParent.children.get(to.Base()); ok {
		dstID := t.idOf(dstNode)
		delete(t.idByNode, dstNode)
		_ = t.cache.InvalidateOne(dstID, false)
	}

	fromParent.children.remove(from.Base())
	srcNode.name = to.Base()
	srcNode.parent = toParent
	toParent.children.put(srcNode)

	id := t.idOf(srcNode)
	t.cache.Rename(id, to.String())
	return nil
}

// Truncate adjusts size both remotely and in the page cache.
func (t *FileTree) Truncate(p path.Path, size int64) error {
	if err := t.conn.Truncate(p.String(), size); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.traverseLocked(p)
	if err != nil {
		return nil
	}
	id := t.idOf(n)
	t.cache.Truncate(id, size)
	n.stat.Size = size
	return nil
}

// Utimens sets atime/mtime, honoring the now/omit sentinels, and always
// bumps the node's ctime (spec §4.6).
func (t *FileTree) Utimens(p path.Path, atime, mtime wire.Timespec) error {
	if err := t.conn.Utimens(p.String(), atime, mtime); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.traverseLocked(p)
	if err != nil {
		return nil
	}
	now := t.now()
	n.stat.Ctime = wire.Timespec{Sec: now.Unix(), Nsec: int64(now.Nanosecond())}
	if !atime.IsOmit() {
		n.stat.Atime = atime
	}
	if !mtime.IsOmit() {
		n.stat.Mtime = mtime
	}
	return nil
}

// CopyFileRange flushes both endpoints, delegates to the connection,
// and re-stats the destination on success (spec §4.6).
func (t *FileTree) CopyFileRange(in path.Path, inOff int64, out path.Path, outOff int64, size int64) (int64, error) {
	t.mu.Lock()
	inNode, inErr := t.traverseLocked(in)
	outNode, outErr := t.traverseLocked(out)
	t.mu.Unlock()

	var eg errgroup.Group
	if inErr == nil {
		eg.Go(func() error { return t.Flush(inNode) })
	}
	if outErr == nil {
		eg.Go(func() error { return t.Flush(outNode) })
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}

	n, err := t.conn.CopyFileRange(in.String(), inOff, out.String(), outOff, size)
	if err != nil {
		return 0, err
	}

	if st, serr := t.conn.Stat(out.String()); serr == nil {
		t.mu.Lock()
		if outNode != nil {
			outNode.stat.Size = st.Size
			outNode.stat.Mtime = st.Mtime
		}
		t.mu.Unlock()
	}
	return n, nil
}

// FlushAll flushes every dirty regular file in the tree, fanning out
// with an errgroup (spec §4.7 shutdown; SPEC_FULL.md C8).
func (t *FileTree) FlushAll() error {
	t.mu.Lock()
	var dirty []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.kind == KindDirectory && n.children != nil {
			for _, c := range n.children.children {
				walk(c)
			}
		}
		if n.kind == KindRegular && n.dirty {
			dirty = append(dirty, n)
		}
	}
	walk(t.root)
	t.mu.Unlock()

	var eg errgroup.Group
	for _, n := range dirty {
		n := n
		eg.Go(func() error { return t.Flush(n) })
	}
	return eg.Wait()
}

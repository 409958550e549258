// Package cache implements madbfs's page cache (C6, spec §4.5): an
// id-keyed, page-indexed LRU with single-flight fills, dirty tracking,
// and flush/truncate/rename/invalidate operations, grounded on the
// structure of backend/cache's chunked Object cache (handle.go,
// storage_memory.go) but using golang.org/x/sync/singleflight instead
// of a hand-rolled in-flight map for fill deduplication.
package cache

import (
	"container/list"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mrizaln/madbfs/internal/errs"
)

// Backend is the subset of connection.Connection the page cache needs
// to fill and flush pages, parameterized here to keep this package free
// of a direct dependency on internal/connection (and easy to fake in
// tests, per spec §8 scenario 3's "instrument the fake").
type Backend interface {
	Read(path string, buf []byte, offset int64) (int, error)
	Write(path string, data []byte, offset int64) (int, error)
}

type pageKey struct {
	id    uint64
	index int64
}

// page is an immutable-width buffer (spec §3): len(data) == pageSize
// except possibly the last page of a file, occupancy tracked via n.
type page struct {
	key   pageKey
	data  []byte
	n     int // occupied bytes, 0..len(data)
	dirty bool
	elem  *list.Element // this page's node in the LRU list
}

// fileEntry is the per-id bookkeeping: a path used to reach the backend
// and the set of pages currently cached for it.
type fileEntry struct {
	path  string
	pages map[int64]*page
}

// PageCache is madbfs's C6. All exported methods lock internally; the
// caller does not need external synchronization (spec §5: "mutated
// only inside coroutines on the one executor" becomes, in Go, "guarded
// by an internal mutex").
type PageCache struct {
	backend Backend

	mu       sync.Mutex
	pageSize int
	maxPages int
	lru      *list.List // front = most recently used
	files    map[uint64]*fileEntry

	fills singleflight.Group
}

// New constructs a PageCache with the given page size (bytes, power of
// two, >= 64 KiB) and maximum resident page count.
func New(backend Backend, pageSize, maxPages int) *PageCache {
	return &PageCache{
		backend:  backend,
		pageSize: pageSize,
		maxPages: maxPages,
		lru:      list.New(),
		files:    make(map[uint64]*fileEntry),
	}
}

func (c *PageCache) pageIndexFor(offset int64) int64 {
	return offset / int64(c.pageSize)
}

// fetch returns the page at (id, index), filling it from the backend
// on miss. Concurrent callers for the same key collapse onto one fill
// via singleflight (spec §4.5: "single-flight fills").
func (c *PageCache) fetch(id uint64, path string, index int64) (*page, error) {
	c.mu.Lock()
	fe, ok := c.files[id]
	if !ok {
		fe = &fileEntry{path: path, pages: make(map[int64]*page)}
		c.files[id] = fe
	} else {
		fe.path = path
	}
	if p, ok := fe.pages[index]; ok {
		c.lru.MoveToFront(p.elem)
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	key := pageKeyString(id, index)
	v, err, _ := c.fills.Do(key, func() (any, error) {
		buf := make([]byte, c.pageSize)
		n, err := c.backend.Read(path, buf, index*int64(c.pageSize))
		if err != nil {
			return nil, err
		}
		return &page{key: pageKey{id, index}, data: buf, n: n}, nil
	})
	if err != nil {
		return nil, err
	}
	p := v.(*page)

	c.mu.Lock()
	if existing, ok := fe.pages[index]; ok {
		// Another caller installed it first between Do() returning and
		// us re-acquiring the lock (only possible once and harmlessly:
		// singleflight already deduped the actual Read).
		c.mu.Unlock()
		return existing, nil
	}
	p.elem = c.lru.PushFront(p)
	fe.pages[index] = p
	c.mu.Unlock()

	c.evict()
	return p, nil
}

func pageKeyString(id uint64, index int64) string {
	return strconv.FormatUint(id, 10) + ":" + strconv.FormatInt(index, 10)
}

// Read reads len(out) bytes for id starting at offset, fanning out
// across however many pages that range touches (spec §4.5 addressing).
func (c *PageCache) Read(id uint64, path string, out []byte, offset int64) (int, error) {
	total := 0
	for total < len(out) {
		abs := offset + int64(total)
		index := c.pageIndexFor(abs)
		p, err := c.fetch(id, path, index)
		if err != nil {
			return total, err
		}

		c.mu.Lock()
		within := abs - index*int64(c.pageSize)
		avail := p.n - int(within)
		if avail <= 0 {
			c.mu.Unlock()
			break // past EOF
		}
		n := len(out) - total
		if n > avail {
			n = avail
		}
		copy(out[total:total+n], p.data[within:within+int64(n)])
		c.mu.Unlock()

		total += n
		if n == 0 {
			break
		}
	}
	return total, nil
}

// Write writes len(in) bytes for id starting at offset, marking every
// touched page dirty. Each touched page is obtained through fetch, so a
// missing page is filled from the backend before it is written; only
// when that fill fails with not-found is a fresh empty page created
// (see writablePage).
func (c *PageCache) Write(id uint64, path string, in []byte, offset int64) (int, error) {
	total := 0
	for total < len(in) {
		abs := offset + int64(total)
		index := c.pageIndexFor(abs)
		within := abs - index*int64(c.pageSize)

		p, err := c.writablePage(id, path, index)
		if err != nil {
			return total, err
		}

		c.mu.Lock()
		n := len(in) - total
		room := len(p.data) - int(within)
		if n > room {
			n = room
		}
		copy(p.data[within:within+int64(n)], in[total:total+n])
		if occ := int(within) + n; occ > p.n {
			p.n = occ
		}
		p.dirty = true
		c.mu.Unlock()

		total += n
		if n == 0 {
			break
		}
	}
	c.evict()
	return total, nil
}

// writablePage fetches the page for writing, tolerating a not-found
// read error on a brand-new page (there is nothing to fill yet).
func (c *PageCache) writablePage(id uint64, path string, index int64) (*page, error) {
	p, err := c.fetch(id, path, index)
	if err == nil {
		return p, nil
	}
	if err != errs.ErrNotFound {
		return nil, err
	}

	c.mu.Lock()
	fe, ok := c.files[id]
	if !ok {
		fe = &fileEntry{path: path, pages: make(map[int64]*page)}
		c.files[id] = fe
	}
	np := &page{key: pageKey{id, index}, data: make([]byte, c.pageSize)}
	np.elem = c.lru.PushFront(np)
	fe.pages[index] = np
	c.mu.Unlock()
	return np, nil
}

// Flush writes back every dirty page for id in ascending index order,
// clearing dirty bits only after a successful write (spec §4.5).
func (c *PageCache) Flush(id uint64) error {
	c.mu.Lock()
	fe, ok := c.files[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	indices := make([]int64, 0, len(fe.pages))
	for idx := range fe.pages {
		indices = append(indices, idx)
	}
	path := fe.path
	c.mu.Unlock()

	sortInt64s(indices)

	for _, idx := range indices {
		c.mu.Lock()
		p, ok := fe.pages[idx]
		if !ok || !p.dirty {
			c.mu.Unlock()
			continue
		}
		data := append([]byte(nil), p.data[:p.n]...)
		c.mu.Unlock()

		if _, err := c.backend.Write(path, data, idx*int64(c.pageSize)); err != nil {
			return err
		}

		c.mu.Lock()
		p.dirty = false
		c.mu.Unlock()
	}
	return nil
}

func sortInt64s(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Truncate drops every page strictly beyond the new last page (without
// flushing them) and clamps the possibly-partial last page (spec
// §4.5).
func (c *PageCache) Truncate(id uint64, newSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fe, ok := c.files[id]
	if !ok {
		return
	}
	lastIndex := int64(-1)
	if newSize > 0 {
		lastIndex = (newSize - 1) / int64(c.pageSize)
	}

	for idx, p := range fe.pages {
		if idx > lastIndex {
			c.lru.Remove(p.elem)
			delete(fe.pages, idx)
			continue
		}
		if idx == lastIndex {
			clamped := int(newSize - idx*int64(c.pageSize))
			if clamped < p.n {
				p.n = clamped
			}
		}
	}
}

// Rename updates the stored path for id without touching any page
// (spec §4.5).
func (c *PageCache) Rename(id uint64, newPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fe, ok := c.files[id]; ok {
		fe.path = newPath
	}
}

// Exchange swaps the stored paths of two ids, the page-cache half of a
// rename-exchange (spec §4.6 scenario 4).
func (c *PageCache) Exchange(idA, idB uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, aok := c.files[idA]
	b, bok := c.files[idB]
	if aok && bok {
		a.path, b.path = b.path, a.path
	}
}

// InvalidateOne removes all pages for id, optionally flushing dirty
// ones first (spec §4.5).
func (c *PageCache) InvalidateOne(id uint64, flushFirst bool) error {
	if flushFirst {
		if err := c.Flush(id); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fe, ok := c.files[id]
	if !ok {
		return nil
	}
	for _, p := range fe.pages {
		c.lru.Remove(p.elem)
	}
	delete(c.files, id)
	return nil
}

// InvalidateAll flushes and drops every page of every file (spec
// §4.5).
func (c *PageCache) InvalidateAll() error {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.files))
	for id := range c.files {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.InvalidateOne(id, true); err != nil {
			return err
		}
	}
	return nil
}

// PageSize returns the cache's current page size in bytes.
func (c *PageCache) PageSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageSize
}

// SetPageSize changes the page size and invalidates the whole cache
// (spec §4.5, §4.8: setters invalidate on page/size changes).
func (c *PageCache) SetPageSize(size int) error {
	if err := c.InvalidateAll(); err != nil {
		return err
	}
	c.mu.Lock()
	c.pageSize = size
	c.mu.Unlock()
	return nil
}

// SetMaxPages changes the resident page budget and invalidates the
// whole cache.
func (c *PageCache) SetMaxPages(max int) error {
	if err := c.InvalidateAll(); err != nil {
		return err
	}
	c.mu.Lock()
	c.maxPages = max
	c.mu.Unlock()
	return nil
}

// Stats reports live occupancy for the control endpoint's `info` op
// (SPEC_FULL.md supplemented feature).
type Stats struct {
	PageCount  int
	DirtyCount int
	FileCount  int
}

func (c *PageCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	s.FileCount = len(c.files)
	for _, fe := range c.files {
		for _, p := range fe.pages {
			s.PageCount++
			if p.dirty {
				s.DirtyCount++
			}
		}
	}
	return s
}

// evict drops pages from the LRU tail until at/under budget, flushing
// dirty victims first; a failed forced flush is swallowed and the page
// is dropped anyway (spec §4.5).
func (c *PageCache) evict() {
	for {
		c.mu.Lock()
		if c.lru.Len() <= c.maxPages {
			c.mu.Unlock()
			return
		}
		back := c.lru.Back()
		victim := back.Value.(*page)
		c.mu.Unlock()

		if victim.dirty {
			var fe *fileEntry
			c.mu.Lock()
			for _, f := range c.files {
				if f.pages[victim.key.index] == victim {
					fe = f
					break
				}
			}
			data := append([]byte(nil), victim.data[:victim.n]...)
			c.mu.Unlock()
			if fe != nil {
				_, _ = c.backend.Write(fe.path, data, victim.key.index*int64(c.pageSize))
			}
		}

		c.mu.Lock()
		if fe, ok := c.files[victim.key.id]; ok {
			delete(fe.pages, victim.key.index)
		}
		c.lru.Remove(back)
		c.mu.Unlock()
	}
}

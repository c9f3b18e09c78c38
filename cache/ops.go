// Command-level operations (spec.md §4.7.1's store_item/get/delete/
// add_delta vocabulary, shared by both the ASCII and binary protocol
// engines through the Handler interface).
package cache

import (
	"bytes"
	"regexp"
	"strconv"
)

var _ Handler = (*Cache)(nil)

// Set implements spec.md's unconditional store: allocate, then replace
// whatever the index currently holds under that key.
func (c *Cache) Set(i Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.incr(&c.stats.CmdSet, 1)
	n, err := c.allocLocked(i.ItemMeta, i.Data)
	if err != nil {
		return
	}
	c.replaceLocked(n)
	c.derefLocked(n)
}

// Add stores i only if key was absent (spec.md §8 round-trip law).
func (c *Cache) Add(i Item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, locked := c.get(i.Key); existing != nil || locked {
		if existing != nil {
			c.derefLocked(existing)
		}
		return false
	}
	n, err := c.allocLocked(i.ItemMeta, i.Data)
	if err != nil {
		return false
	}
	c.link(n)
	c.derefLocked(n)
	return true
}

// Replace stores i only if key was present.
func (c *Cache) Replace(i Item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, locked := c.get(i.Key)
	if existing == nil || locked {
		if existing != nil {
			c.derefLocked(existing)
		}
		return false
	}
	c.derefLocked(existing)
	n, err := c.allocLocked(i.ItemMeta, i.Data)
	if err != nil {
		return false
	}
	c.replaceLocked(n)
	c.derefLocked(n)
	return true
}

// Append concatenates i.Data onto the existing value, keeping the
// existing item's flags and exptime (memcached append/prepend semantics).
func (c *Cache) Append(i Item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, locked := c.get(i.Key)
	if existing == nil || locked {
		if existing != nil {
			c.derefLocked(existing)
		}
		return false
	}
	meta := existing.ItemMeta
	merged := c.valueBytes(existing)
	meta.Bytes = len(merged) + len(i.Data)
	merged = append(merged, i.Data...)
	c.derefLocked(existing)
	n, err := c.allocLocked(meta, merged)
	if err != nil {
		return false
	}
	c.replaceLocked(n)
	c.derefLocked(n)
	return true
}

// replaceLocked re-resolves key via the index (spec.md §4.3 replace:
// "another thread may have unlinked it"), unlinks whatever is currently
// there, and links n in its place.
func (c *Cache) replaceLocked(n *node) {
	if old := c.index.find(n.Key); old != nil {
		c.unlinkLocked(old, reasonNormal)
	}
	c.link(n)
}

// Get returns one view per key, in key order: a view with a live refcount
// for each found key and a zero ItemView (nil Reader) for each miss,
// matching the teacher's Handler.Get contract.
func (c *Cache) Get(keys ...[]byte) []ItemView {
	c.mu.Lock()
	defer c.mu.Unlock()
	views := make([]ItemView, len(keys))
	for i, k := range keys {
		n, locked := c.get(k)
		if n == nil {
			c.stats.incr(&c.stats.GetMisses, 1)
			_ = locked
			continue
		}
		c.stats.incr(&c.stats.GetHits, 1)
		views[i] = ItemView{
			Key:    string(n.Key),
			Flags:  n.Flags,
			Bytes:  n.Bytes,
			Reader: &itemReader{c: c, n: n},
		}
	}
	return views
}

// Delete implements spec.md §4.7.1 delete/deleteQ: immediate unlink when
// deferWindow == 0, otherwise a deferred delete.
func (c *Cache) Delete(key []byte, deferWindow int64) (deleted, locked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.incr(&c.stats.CmdDelete, 1)
	n := c.index.find(key)
	if n == nil || n.expired(c.now) {
		c.stats.incr(&c.stats.DeleteMisses, 1)
		return false, false
	}
	if n.flags&itemDeleted != 0 {
		return false, true
	}
	c.stats.incr(&c.stats.DeleteHits, 1)
	if deferWindow == 0 {
		c.unlinkLocked(n, reasonNormal)
		return true, false
	}
	n.flags |= itemDeleted
	n.exptime = c.now + deferWindow
	c.deferred = append(c.deferred, deferredDelete{n: n, expiry: n.exptime})
	return true, false
}

// IncrDecr implements spec.md §4.7.1 incr/decr: parse the value as ASCII
// decimal, apply delta saturating at 0 for decrement, rewrite in place
// when the new value's text fits the old chunk budget, else reallocate.
func (c *Cache) IncrDecr(key []byte, delta uint64, incr bool) (newValue uint64, found, clientErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, locked := c.get(key)
	if n == nil {
		return 0, false, locked
	}
	defer c.derefLocked(n)

	cur, err := strconv.ParseUint(string(bytes.TrimRight(c.valueBytes(n), "\r\n")), 10, 64)
	if err != nil {
		return 0, true, true
	}
	c.stats.incr(&c.stats.Incr, boolToInt64(incr))
	c.stats.incr(&c.stats.Decr, boolToInt64(!incr))
	if incr {
		newValue = cur + delta
	} else if delta >= cur {
		newValue = 0
	} else {
		newValue = cur - delta
	}
	newText := []byte(strconv.FormatUint(newValue, 10))

	if len(n.Key)+len(newText) <= c.chunkCapacity(n) {
		c.writeItemBytes(n, newText)
		c.stats.incr(&c.stats.Bytes, int64(len(newText)-n.Bytes))
		n.Bytes = len(newText)
		return newValue, true, false
	}

	// The new text no longer fits the chunk row this item was originally
	// allocated with; reallocate a fresh chain sized for it (spec.md §4.3
	// item_alloc) and swap it in under the same key.
	meta := n.ItemMeta
	meta.Bytes = len(newText)
	fresh, err := c.allocLocked(meta, newText)
	if err != nil {
		return 0, true, true
	}
	c.replaceLocked(fresh)
	c.derefLocked(fresh)
	return newValue, true, false
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// FlushAll implements spec.md §4.7.1 flush_all: set oldest_live so every
// item timestamped at or before exptime starts reading as a miss.
func (c *Cache) FlushAll(exptime int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exptime <= 0 {
		c.oldestLive = c.now
	} else {
		c.oldestLive = c.normalizeExptime(exptime)
	}
	c.flushExpired(c.oldestLive)
}

// ExpireRegexCount implements spec.md §4.4 expire_regex, used by the
// flush_regex command (spec.md §4.7.1).
func (c *Cache) ExpireRegexCount(pattern string) (int, error) {
	re, err := regexp.CompilePOSIX(pattern)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.expireRegex(re, func(n *node) { c.unlinkLocked(n, reasonExpired) }), nil
}

// derefLocked is deref without re-acquiring c.mu, for call sites that
// already hold it.
func (c *Cache) derefLocked(n *node) {
	n.refcount--
	if n.refcount == 0 && n.flags&itemLinked == 0 {
		c.free(n)
	}
}

package pa

// hashTable chains contexts by source LID. Each chain keeps the most
// recently touched context at index 0.
type hashTable struct {
	buckets [][]*Context
	count   int
}

func newHashTable(buckets int) *hashTable {
	return &hashTable{buckets: make([][]*Context, buckets)}
}

func (h *hashTable) bucketFor(lid uint16) int {
	return int(lid) % len(h.buckets)
}

// insert links c at the head of its bucket.
func (h *hashTable) insert(c *Context) {
	b := h.bucketFor(c.key.lid)
	chain := append(h.buckets[b], nil)
	copy(chain[1:], chain)
	chain[0] = c
	h.buckets[b] = chain
	c.hashed = true
	h.count++
}

// lookup scans the bucket chain for key without side effects.
func (h *hashTable) lookup(key contextKey) *Context {
	for _, c := range h.buckets[h.bucketFor(key.lid)] {
		if c.key == key {
			return c
		}
	}
	return nil
}

func (h *hashTable) position(c *Context) (int, int) {
	b := h.bucketFor(c.key.lid)
	for i, e := range h.buckets[b] {
		if e == c {
			return b, i
		}
	}
	return b, -1
}

// moveToHead relinks c at the head of its bucket.
func (h *hashTable) moveToHead(c *Context) {
	b, pos := h.position(c)
	if pos <= 0 {
		return
	}
	chain := h.buckets[b]
	copy(chain[1:pos+1], chain[:pos])
	chain[0] = c
}

// remove unlinks c. It reports false when c was not linked.
func (h *hashTable) remove(c *Context) bool {
	if !c.hashed {
		return false
	}
	b, pos := h.position(c)
	if pos < 0 {
		return false
	}
	chain := h.buckets[b]
	copy(chain[pos:], chain[pos+1:])
	chain[len(chain)-1] = nil
	h.buckets[b] = chain[:len(chain)-1]
	c.hashed = false
	h.count--
	return true
}

// snapshot lists every linked context, bucket by bucket, head first.
func (h *hashTable) snapshot() []*Context {
	out := make([]*Context, 0, h.count)
	for _, chain := range h.buckets {
		out = append(out, chain...)
	}
	return out
}

func (h *hashTable) len() int { return h.count }

// Completion: 100% - Gcmaps complete
package tracejit

import (
	"fmt"
	"strings"
)

// A gcmap is a bitmap over JitFrame positions (register save area first,
// then spill slots) marking the words that hold live references. In memory
// it is a length word followed by the bitmap words.

func buildGcmap(bits []int) []uint32 {
	n := 0
	for _, b := range bits {
		n = max(n, b/32+1)
	}
	words := make([]uint32, 1+n)
	words[0] = uint32(n)
	for _, b := range bits {
		words[1+b/32] |= 1 << (b % 32)
	}
	return words
}

func gcmapKey(words []uint32) string {
	var sb strings.Builder
	for _, w := range words {
		fmt.Fprintf(&sb, "%08x", w)
	}
	return sb.String()
}

// gcmapCache interns gcmaps in the data pool so identical maps share storage
type gcmapCache struct {
	pool  *DataPool
	addrs map[string]uint32
}

func newGcmapCache(pool *DataPool) *gcmapCache {
	return &gcmapCache{pool: pool, addrs: make(map[string]uint32)}
}

// get returns the address of the gcmap with the given bits; an empty set
// maps to address zero
func (c *gcmapCache) get(bits []int) (uint32, error) {
	if len(bits) == 0 {
		return 0, nil
	}
	words := buildGcmap(bits)
	key := gcmapKey(words)
	if a, ok := c.addrs[key]; ok {
		return a, nil
	}
	a, err := c.pool.Words(words)
	if err != nil {
		return 0, err
	}
	c.addrs[key] = a
	return a, nil
}

// decodeGcmap reads the positions marked in the gcmap at addr
func decodeGcmap(mem *Memory, addr uint32) []int {
	if addr == 0 {
		return nil
	}
	n := mem.Load32(addr)
	var bits []int
	for i := uint32(0); i < n; i++ {
		w := mem.Load32(addr + WORD*(1+i))
		for b := 0; b < 32; b++ {
			if w&(1<<b) != 0 {
				bits = append(bits, int(i)*32+b)
			}
		}
	}
	return bits
}

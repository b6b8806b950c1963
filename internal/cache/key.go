package cache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/fastbuild/fbuild/internal/graph"
)

// Key is the cache's 128-bit lookup key: a hash of the node's command
// line / compiler identity plus the current content stamp of every
// dependency it reads from (spec.md §4.6 "Key: 128 bits (hash of
// preprocessed input + flags + compiler identity)"). Two independently
// seeded xxhash sums stand in for a single wide hash function, the same
// trick internal/graph.AggregateStamp already applies to fold many
// 64-bit stamps into one.
type Key [16]byte

// NewKey derives a node's cache key from its command line (empty string
// if its Job carries none) and the current stamps of its dependencies.
func NewKey(n *graph.Node, cmdLine string) Key {
	h1 := xxhash.New()
	h2 := xxhash.New()
	h2.Write([]byte{0x5a}) // distinct seed byte so h2 != h1 for identical input
	h1.WriteString(cmdLine)
	h2.WriteString(cmdLine)
	buf := make([]byte, 8)
	for _, e := range n.AllDependencies() {
		binary.LittleEndian.PutUint64(buf, e.StampAtBuild)
		h1.Write(buf)
		h2.Write(buf)
	}
	var k Key
	binary.LittleEndian.PutUint64(k[:8], h1.Sum64())
	binary.LittleEndian.PutUint64(k[8:], h2.Sum64())
	return k
}

func (k Key) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range k {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

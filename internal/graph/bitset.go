package graph

// Bitset is a fixed-capacity bit vector indexed by reaction ID.
// Used for conflict sets and reachability during level assignment.
type Bitset struct {
	words []uint64
}

// NewBitset returns a bitset able to hold n bits.
func NewBitset(n int) *Bitset {
	return &Bitset{words: make([]uint64, (n+63)/64)}
}

// Set sets bit i.
func (b *Bitset) Set(i int) {
	b.words[i/64] |= 1 << (uint(i) % 64)
}

// Clear clears bit i.
func (b *Bitset) Clear(i int) {
	b.words[i/64] &^= 1 << (uint(i) % 64)
}

// Test reports whether bit i is set.
func (b *Bitset) Test(i int) bool {
	return b.words[i/64]&(1<<(uint(i)%64)) != 0
}

// Or merges other into b.
func (b *Bitset) Or(other *Bitset) {
	for i, w := range other.words {
		b.words[i] |= w
	}
}

// Intersects reports whether b and other share any set bit.
func (b *Bitset) Intersects(other *Bitset) bool {
	n := len(b.words)
	if len(other.words) < n {
		n = len(other.words)
	}
	for i := 0; i < n; i++ {
		if b.words[i]&other.words[i] != 0 {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of b.
func (b *Bitset) Clone() *Bitset {
	c := &Bitset{words: make([]uint64, len(b.words))}
	copy(c.words, b.words)
	return c
}

package dedup

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"math/bits"
	"math/rand"
	"strings"
	"sync"
)

// mersennePrime bounds the universal hash family. Standard choice for
// 61-bit MinHash permutations.
const mersennePrime = (1 << 61) - 1

// permSeed fixes the permutation coefficients so signatures are stable
// across restarts; the index is rebuilt from the store on startup anyway,
// but stable signatures make behavior reproducible.
const permSeed = 1

// signature is one item's MinHash sketch.
type signature []uint64

// minHasher computes MinHash signatures over whitespace tokens.
type minHasher struct {
	numPerm int
	a, b    []uint64
}

func newMinHasher(numPerm int) *minHasher {
	rng := rand.New(rand.NewSource(permSeed))
	h := &minHasher{
		numPerm: numPerm,
		a:       make([]uint64, numPerm),
		b:       make([]uint64, numPerm),
	}
	for i := 0; i < numPerm; i++ {
		// a must be nonzero for the hash family to permute.
		h.a[i] = uint64(rng.Int63n(mersennePrime-1)) + 1
		h.b[i] = uint64(rng.Int63n(mersennePrime))
	}
	return h
}

// Sign computes the signature of text, tokenized by lowercasing and
// whitespace splitting.
func (h *minHasher) Sign(text string) signature {
	sig := make(signature, h.numPerm)
	for i := range sig {
		sig[i] = math.MaxUint64
	}
	for _, token := range strings.Fields(strings.ToLower(text)) {
		fh := fnv.New64a()
		_, _ = fh.Write([]byte(token))
		tv := fh.Sum64() % mersennePrime
		for i := 0; i < h.numPerm; i++ {
			// (a*t + b) mod p within uint64 via 128-bit-free folding:
			// p < 2^61 keeps a*t below 2^122, so split the multiply.
			v := mulmod(h.a[i], tv) + h.b[i]
			if v >= mersennePrime {
				v -= mersennePrime
			}
			if v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// mulmod computes (a*b) mod mersennePrime without overflow, exploiting the
// Mersenne structure: 2^64 is congruent to 8, so high bits fold onto low bits.
func mulmod(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	r := (lo & mersennePrime) + (lo >> 61) + ((hi << 3) & mersennePrime) + (hi >> 58)
	for r >= mersennePrime {
		r -= mersennePrime
	}
	return r
}

// optimalBands picks the band count b and rows-per-band r (b*r <= numPerm)
// minimizing the combined false positive/negative probability at the given
// Jaccard threshold, by numeric integration of the S-curve.
func optimalBands(threshold float64, numPerm int) (b, r int) {
	const steps = 1000
	best := math.Inf(1)
	b, r = 1, numPerm
	for cb := 1; cb <= numPerm; cb++ {
		cr := numPerm / cb
		if cr == 0 {
			break
		}
		fp := integrate(0, threshold, steps, func(s float64) float64 {
			return 1 - math.Pow(1-math.Pow(s, float64(cr)), float64(cb))
		})
		fn := integrate(threshold, 1, steps, func(s float64) float64 {
			return math.Pow(1-math.Pow(s, float64(cr)), float64(cb))
		})
		if err := fp + fn; err < best {
			best = err
			b, r = cb, cr
		}
	}
	return b, r
}

func integrate(from, to float64, steps int, f func(float64) float64) float64 {
	dx := (to - from) / float64(steps)
	var sum float64
	for i := 0; i < steps; i++ {
		sum += f(from + (float64(i)+0.5)*dx)
	}
	return sum * dx
}

// bandKey buckets r consecutive signature values into one hashable key.
func bandKey(band int, rows []uint64) string {
	fh := fnv.New64a()
	buf := make([]byte, 8)
	for _, v := range rows {
		binary.BigEndian.PutUint64(buf, v)
		_, _ = fh.Write(buf)
	}
	return fmt.Sprintf("%d:%016x", band, fh.Sum64())
}

// Index is an in-memory MinHash LSH index over current knowledge items.
// It finds lexical near-duplicates that embedding distance can miss, such as
// the same text with punctuation or formatting edits. Safe for concurrent use.
type Index struct {
	hasher *minHasher
	bands  int
	rows   int

	mu      sync.RWMutex
	buckets []map[string][]string // per band: bucket key -> item IDs
	keys    map[string][]string   // item ID -> its bucket keys
}

// NewIndex creates an empty index tuned for the given Jaccard threshold.
func NewIndex(numPerm int, threshold float64) *Index {
	b, r := optimalBands(threshold, numPerm)
	idx := &Index{
		hasher:  newMinHasher(numPerm),
		bands:   b,
		rows:    r,
		buckets: make([]map[string][]string, b),
		keys:    make(map[string][]string),
	}
	for i := range idx.buckets {
		idx.buckets[i] = make(map[string][]string)
	}
	return idx
}

// Insert adds an item. Re-inserting an existing ID is a no-op; that happens
// during rebuilds and restarts.
func (idx *Index) Insert(id, content string) {
	sig := idx.hasher.Sign(content)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.keys[id]; ok {
		return
	}
	bucketKeys := make([]string, idx.bands)
	for b := 0; b < idx.bands; b++ {
		key := bandKey(b, sig[b*idx.rows:(b+1)*idx.rows])
		bucketKeys[b] = key
		idx.buckets[b][key] = append(idx.buckets[b][key], id)
	}
	idx.keys[id] = bucketKeys
}

// Remove drops an item, typically after expiry or deletion.
func (idx *Index) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	bucketKeys, ok := idx.keys[id]
	if !ok {
		return
	}
	for b, key := range bucketKeys {
		ids := idx.buckets[b][key]
		for i, v := range ids {
			if v == id {
				idx.buckets[b][key] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(idx.buckets[b][key]) == 0 {
			delete(idx.buckets[b], key)
		}
	}
	delete(idx.keys, id)
}

// Query returns IDs whose estimated Jaccard similarity to content is at or
// above the index threshold.
func (idx *Index) Query(content string) []string {
	sig := idx.hasher.Sign(content)

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for b := 0; b < idx.bands; b++ {
		key := bandKey(b, sig[b*idx.rows:(b+1)*idx.rows])
		for _, id := range idx.buckets[b][key] {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// Len reports the number of indexed items.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.keys)
}

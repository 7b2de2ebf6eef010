package fragbench

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/spaolacci/murmur3"
)

// DefaultPickAttempts is how many random picks Population.PickRandom tries
// before giving up.
const DefaultPickAttempts = 200

// Entry is the benchmark's cached view of a live record.
type Entry struct {
	ID   RecordID `json:"id"`
	Size int      `json:"size"`
}

// Population is an unordered cache of live records and their payload
// sizes. It is not safe for concurrent use.
type Population struct {
	// PickAttempts bounds PickRandom; zero means DefaultPickAttempts.
	PickAttempts int

	entries []Entry
	index   map[RecordID]int
}

func NewPopulation(capacity int) *Population {
	return &Population{
		entries: make([]Entry, 0, capacity),
		index:   make(map[RecordID]int, capacity),
	}
}

func (p *Population) Len() int {
	return len(p.entries)
}

// Entries returns a copy of the cached entries in no particular order.
func (p *Population) Entries() []Entry {
	return slices.Clone(p.entries)
}

func (p *Population) Get(id RecordID) (Entry, bool) {
	i, ok := p.index[id]
	if !ok {
		return Entry{}, false
	}
	return p.entries[i], true
}

// TotalSize returns the sum of all cached sizes.
func (p *Population) TotalSize() int64 {
	var n int64
	for _, e := range p.entries {
		n += int64(e.Size)
	}
	return n
}

// Seed adds a record to the cache. Ids are trusted to be unique.
func (p *Population) Seed(id RecordID, size int) {
	p.index[id] = len(p.entries)
	p.entries = append(p.entries, Entry{id, size})
}

// PickRandom returns a uniformly random entry satisfying
// size-step > minSize. Entries are not weighted by size. After PickAttempts
// misses it returns ErrNoShrinkableRecord.
func (p *Population) PickRandom(rng *rand.Rand, minSize, step int) (Entry, error) {
	n := len(p.entries)
	if n == 0 {
		return Entry{}, fmt.Errorf("empty population: %w", ErrNoShrinkableRecord)
	}
	attempts := p.PickAttempts
	if attempts <= 0 {
		attempts = DefaultPickAttempts
	}
	for range attempts {
		e := p.entries[rng.IntN(n)]
		if e.Size-step > minSize {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%d attempts over %d records: %w", attempts, n, ErrNoShrinkableRecord)
}

// Replace swaps the entry for oldID with (newID, newSize).
func (p *Population) Replace(oldID, newID RecordID, newSize int) error {
	i, ok := p.index[oldID]
	if !ok {
		return fmt.Errorf("population: replace #%d: %w", oldID, ErrRecordNotFound)
	}
	delete(p.index, oldID)
	p.entries[i] = Entry{newID, newSize}
	p.index[newID] = i
	return nil
}

// Update changes the cached size of id.
func (p *Population) Update(id RecordID, newSize int) error {
	i, ok := p.index[id]
	if !ok {
		return fmt.Errorf("population: update #%d: %w", id, ErrRecordNotFound)
	}
	p.entries[i].Size = newSize
	return nil
}

// Remove drops id from the cache.
func (p *Population) Remove(id RecordID) bool {
	i, ok := p.index[id]
	if !ok {
		return false
	}
	last := len(p.entries) - 1
	if i != last {
		p.entries[i] = p.entries[last]
		p.index[p.entries[i].ID] = i
	}
	p.entries = p.entries[:last]
	delete(p.index, id)
	return true
}

// ShardedPopulation splits records over independent populations so that
// concurrent workers each own a disjoint set of ids. Seeded ids are
// assigned by hash and then evened out by Rebalance; ids created later by a
// worker stay in its shard.
type ShardedPopulation struct {
	shards []*Population
}

func NewShardedPopulation(shards, capacity int) *ShardedPopulation {
	if shards < 1 {
		shards = 1
	}
	sp := &ShardedPopulation{shards: make([]*Population, shards)}
	for i := range sp.shards {
		sp.shards[i] = NewPopulation(capacity/shards + 1)
	}
	return sp
}

func (sp *ShardedPopulation) ShardCount() int {
	return len(sp.shards)
}

func (sp *ShardedPopulation) Shard(i int) *Population {
	return sp.shards[i]
}

func (sp *ShardedPopulation) ShardOf(id RecordID) int {
	var k [8]byte
	binary.LittleEndian.PutUint64(k[:], uint64(id))
	return int(murmur3.Sum32(k[:]) % uint32(len(sp.shards)))
}

func (sp *ShardedPopulation) Seed(id RecordID, size int) {
	sp.shards[sp.ShardOf(id)].Seed(id, size)
}

// Rebalance moves entries from the largest shards to the smallest until
// shard sizes differ by at most one.
func (sp *ShardedPopulation) Rebalance() {
	for {
		small, large := sp.shards[0], sp.shards[0]
		for _, s := range sp.shards[1:] {
			if s.Len() < small.Len() {
				small = s
			}
			if s.Len() > large.Len() {
				large = s
			}
		}
		if large.Len()-small.Len() <= 1 {
			return
		}
		e := large.entries[large.Len()-1]
		large.Remove(e.ID)
		small.Seed(e.ID, e.Size)
	}
}

// Sizes returns the number of entries in each shard.
func (sp *ShardedPopulation) Sizes() []int {
	sizes := make([]int, len(sp.shards))
	for i, s := range sp.shards {
		sizes[i] = s.Len()
	}
	return sizes
}

// splitCycles divides total cycles between shards in proportion to their
// sizes. Leftover cycles go to the largest shards first.
func splitCycles(total int64, sizes []int) []int64 {
	result := make([]int64, len(sizes))
	var records int64
	for _, n := range sizes {
		records += int64(n)
	}
	if records == 0 {
		return result
	}
	var assigned int64
	for i, n := range sizes {
		result[i] = total * int64(n) / records
		assigned += result[i]
	}
	order := make([]int, len(sizes))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return sizes[b] - sizes[a]
	})
	for i := 0; assigned < total; i++ {
		result[order[i%len(order)]]++
		assigned++
	}
	return result
}

func (sp *ShardedPopulation) SetPickAttempts(n int) {
	for _, s := range sp.shards {
		s.PickAttempts = n
	}
}

func (sp *ShardedPopulation) Len() int {
	var n int
	for _, s := range sp.shards {
		n += s.Len()
	}
	return n
}

// Merge returns all shards combined into a single population.
func (sp *ShardedPopulation) Merge() *Population {
	p := NewPopulation(sp.Len())
	for _, s := range sp.shards {
		for _, e := range s.entries {
			p.Seed(e.ID, e.Size)
		}
	}
	return p
}

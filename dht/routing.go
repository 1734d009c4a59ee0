package dht

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// RoutingTable organizes known contacts into 160 buckets keyed by prefix
// distance from the local identifier. A remote contact at bucket distance d
// lives in bucket d-1, so the table covers distances 1 through 160; the
// local node itself (distance 0) is never stored.
//
// The table holds only the local identifier, not the owning node, so it can
// be serialized and rebuilt independently of the transport. All operations
// are safe for concurrent use.
type RoutingTable struct {
	local   ID
	buckets [IDBits]*Bucket
	mu      sync.RWMutex
}

// NewRoutingTable creates an empty routing table for the given local
// identifier with per-bucket capacity k.
func NewRoutingTable(local ID, k int) *RoutingTable {
	rt := &RoutingTable{local: local}
	for i := range rt.buckets {
		rt.buckets[i] = NewBucket(k)
	}
	return rt
}

// LocalID returns the identifier the table is keyed around.
func (rt *RoutingTable) LocalID() ID {
	return rt.local
}

// bucketIndex maps an identifier to its bucket, or -1 for the local id.
// Insert, remove and lookup all go through this one formula so a contact is
// always removed from the bucket it was inserted into.
func (rt *RoutingTable) bucketIndex(id ID) int {
	return rt.local.BucketDistance(id) - 1
}

// Add inserts a contact into its distance bucket. Re-sighted contacts are
// refreshed in place. The local contact is ignored. Reports whether the
// contact is present afterwards.
func (rt *RoutingTable) Add(c Contact) bool {
	d := rt.bucketIndex(c.ID)
	if d < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	added := rt.buckets[d].Add(c)
	if !added {
		logrus.WithFields(logrus.Fields{
			"function": "Add",
			"bucket":   d,
			"contact":  c.ID.String(),
		}).Debug("bucket full, contact rejected")
	}
	return added
}

// Contains reports whether a contact with the given identifier is known.
func (rt *RoutingTable) Contains(id ID) bool {
	d := rt.bucketIndex(id)
	if d < 0 {
		return false
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[d].Contains(id)
}

// Remove deletes the contact with the given identifier from its bucket.
// Reports whether a contact was removed.
func (rt *RoutingTable) Remove(id ID) bool {
	d := rt.bucketIndex(id)
	if d < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[d].Remove(id)
}

// FindClosest returns up to n contacts ordered by ascending XOR distance to
// target.
//
// Collection seeds from the target's own bucket and walks outward
// symmetrically (index-1, index+1, index-2, ...) until enough contacts are
// gathered or every bucket has been visited. Bucket order is only an
// approximation of XOR order, so the collected set is re-sorted by the raw
// 160-bit distance before returning.
func (rt *RoutingTable) FindClosest(target ID, n int) []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	seed := rt.bucketIndex(target)
	if seed < 0 {
		seed = 0
	}

	collected := make([]Contact, 0, n)
	collected = append(collected, rt.buckets[seed].Contacts()...)
	for offset := 1; len(collected) < n && (seed-offset >= 0 || seed+offset < IDBits); offset++ {
		if lo := seed - offset; lo >= 0 {
			collected = append(collected, rt.buckets[lo].Contacts()...)
		}
		if len(collected) >= n {
			break
		}
		if hi := seed + offset; hi < IDBits {
			collected = append(collected, rt.buckets[hi].Contacts()...)
		}
	}

	SortByDistance(collected, target)
	if len(collected) > n {
		collected = collected[:n]
	}
	return collected
}

// Contacts returns every contact in the table across all buckets.
func (rt *RoutingTable) Contacts() []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []Contact
	for _, b := range rt.buckets {
		all = append(all, b.Contacts()...)
	}
	return all
}

// Len returns the total number of contacts in the table.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	total := 0
	for _, b := range rt.buckets {
		total += b.Len()
	}
	return total
}

// Buckets returns the contacts of every non-empty bucket keyed by bucket
// depth. Snapshots persist this map and rebuild the table by re-inserting
// each contact.
func (rt *RoutingTable) Buckets() map[int][]Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make(map[int][]Contact)
	for depth, b := range rt.buckets {
		if b.Len() > 0 {
			out[depth] = b.Contacts()
		}
	}
	return out
}

// RefreshIDs returns one identifier per non-zero bucket distance 1..159.
// The identifier for distance d differs from the local id first at bit
// 160-d, with the remaining low bits randomized, so looking it up lands in
// bucket d-1 and refreshes that region of the table.
func (rt *RoutingTable) RefreshIDs() []ID {
	ids := make([]ID, 0, IDBits-1)
	for d := 1; d < IDBits; d++ {
		ids = append(ids, rt.refreshID(d))
	}
	return ids
}

func (rt *RoutingTable) refreshID(distance int) ID {
	// The first differing bit sits at position 160-distance from the MSB.
	flip := IDBits - distance
	random := RandomID()

	id := rt.local
	id[flip/8] ^= 1 << (7 - flip%8)
	for bit := flip + 1; bit < IDBits; bit++ {
		byteIdx := bit / 8
		mask := byte(1) << (7 - bit%8)
		id[byteIdx] = id[byteIdx]&^mask | random[byteIdx]&mask
	}
	return id
}

// SortByDistance orders contacts in place by ascending XOR distance to
// target, comparing the full 160-bit distance as a big-endian unsigned
// integer.
func SortByDistance(contacts []Contact, target ID) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return contacts[i].ID.XOR(target).Less(contacts[j].ID.XOR(target))
	})
}

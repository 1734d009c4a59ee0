package dht

// Bucket holds up to k contacts that share one prefix distance from the
// local identifier. Contacts are kept in least-recently-seen order: a
// re-sighted contact moves to the tail, so the head is always the staleness
// candidate.
//
// When a bucket is full a new contact is rejected. The Kademlia paper's
// alternative, pinging the least-recently-seen contact and evicting it only
// when it fails to answer, is a possible refinement of this policy.
type Bucket struct {
	contacts []Contact
	capacity int
}

// NewBucket creates an empty bucket holding at most capacity contacts.
func NewBucket(capacity int) *Bucket {
	return &Bucket{
		contacts: make([]Contact, 0, capacity),
		capacity: capacity,
	}
}

// Add inserts a contact or refreshes an existing one.
//
// A contact already present is treated as a liveness touch and moved to the
// most-recently-seen position. Otherwise the contact is appended when there
// is room and rejected when the bucket is full. Reports whether the contact
// is in the bucket afterwards.
func (b *Bucket) Add(c Contact) bool {
	for i, existing := range b.contacts {
		if existing.ID.Equal(c.ID) {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return true
		}
	}
	if len(b.contacts) < b.capacity {
		b.contacts = append(b.contacts, c)
		return true
	}
	return false
}

// Contains reports whether a contact with the given identifier is present.
func (b *Bucket) Contains(id ID) bool {
	for _, c := range b.contacts {
		if c.ID.Equal(id) {
			return true
		}
	}
	return false
}

// Remove deletes the contact with the given identifier, preserving the
// seen-order of the remainder. Reports whether a contact was removed.
func (b *Bucket) Remove(id ID) bool {
	for i, c := range b.contacts {
		if c.ID.Equal(id) {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return true
		}
	}
	return false
}

// Contacts returns a copy of the bucket's contacts, least recently seen
// first.
func (b *Bucket) Contacts() []Contact {
	out := make([]Contact, len(b.contacts))
	copy(out, b.contacts)
	return out
}

// Len returns the number of contacts in the bucket.
func (b *Bucket) Len() int {
	return len(b.contacts)
}

package dht

// Content is one item published into the DHT. The (Key, Owner, Type)
// triple identifies it; the value is an opaque byte sequence the DHT never
// interprets.
type Content struct {
	Key   ID     `json:"key"`
	Owner string `json:"owner,omitempty"`
	Type  string `json:"type,omitempty"`
	Value []byte `json:"value"`
}

// GetParameter selects content by key and, when set, owner and type. An
// empty Owner or Type matches any stored value for that field.
type GetParameter struct {
	Key   ID
	Owner string
	Type  string
}

// ParamFor builds the exact-match parameter for a content item.
func ParamFor(c Content) GetParameter {
	return GetParameter{Key: c.Key, Owner: c.Owner, Type: c.Type}
}

// Matches reports whether the content satisfies the parameter's key and any
// specified filters.
func (p GetParameter) Matches(c Content) bool {
	if !p.Key.Equal(c.Key) {
		return false
	}
	if p.Owner != "" && p.Owner != c.Owner {
		return false
	}
	if p.Type != "" && p.Type != c.Type {
		return false
	}
	return true
}

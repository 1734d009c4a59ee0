// Package snapshot persists a node's state as four JSON files per owner:
//
//	<root>/nodes/<owner>/kad.kns           owner id and UDP port
//	<root>/nodes/<owner>/node.kns          the local contact
//	<root>/nodes/<owner>/routingtable.kns  buckets with depth and contacts
//	<root>/nodes/<owner>/dht.kns           stored content entries
//
// The default root is $HOME/.kademlia. A node reloaded from these files
// has a routing table and content store semantically equal to the ones
// that were saved; the transport and in-flight state are rebuilt fresh.
package snapshot

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kademlia/dht"
)

// Folder is the constant directory name under the user's home.
const Folder = ".kademlia"

const (
	kadFile     = "kad.kns"
	nodeFile    = "node.kns"
	routingFile = "routingtable.kns"
	dhtFile     = "dht.kns"
)

// NodeState carries everything a snapshot round-trips.
type NodeState struct {
	OwnerID  string
	Port     uint16
	Local    dht.Contact
	Buckets  map[int][]dht.Contact
	Contents []dht.Content
}

// kadRecord is the kad.kns document.
type kadRecord struct {
	OwnerID string `json:"ownerId"`
	Port    uint16 `json:"port"`
}

// contactRecord is the JSON form of a contact.
type contactRecord struct {
	ID   dht.ID `json:"id"`
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// bucketRecord is one routing-table bucket in routingtable.kns.
type bucketRecord struct {
	Depth    int             `json:"depth"`
	Contacts []contactRecord `json:"contacts"`
}

// routingRecord is the routingtable.kns document.
type routingRecord struct {
	Buckets []bucketRecord `json:"buckets"`
}

// dhtRecord is the dht.kns document.
type dhtRecord struct {
	Entries []dht.Content `json:"entries"`
}

// DefaultRoot returns $HOME/.kademlia.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, Folder), nil
}

// Dir returns the owner's snapshot directory under the root.
func Dir(root, owner string) string {
	return filepath.Join(root, "nodes", owner)
}

// Save writes the four snapshot files, creating the directory tree.
func Save(root, owner string, state *NodeState) error {
	dir := Dir(root, owner)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	if err := writeJSON(filepath.Join(dir, kadFile), kadRecord{
		OwnerID: state.OwnerID,
		Port:    state.Port,
	}); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, nodeFile), toContactRecord(state.Local)); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, routingFile), toRoutingRecord(state.Buckets)); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, dhtFile), dhtRecord{Entries: state.Contents}); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Save",
		"owner":    owner,
		"dir":      dir,
		"buckets":  len(state.Buckets),
		"contents": len(state.Contents),
	}).Info("snapshot written")
	return nil
}

// Load reads the four snapshot files for the owner.
func Load(root, owner string) (*NodeState, error) {
	dir := Dir(root, owner)

	var kad kadRecord
	if err := readJSON(filepath.Join(dir, kadFile), &kad); err != nil {
		return nil, err
	}
	var local contactRecord
	if err := readJSON(filepath.Join(dir, nodeFile), &local); err != nil {
		return nil, err
	}
	var routing routingRecord
	if err := readJSON(filepath.Join(dir, routingFile), &routing); err != nil {
		return nil, err
	}
	var contents dhtRecord
	if err := readJSON(filepath.Join(dir, dhtFile), &contents); err != nil {
		return nil, err
	}

	buckets := make(map[int][]dht.Contact, len(routing.Buckets))
	for _, b := range routing.Buckets {
		contacts := make([]dht.Contact, 0, len(b.Contacts))
		for _, c := range b.Contacts {
			contacts = append(contacts, fromContactRecord(c))
		}
		buckets[b.Depth] = contacts
	}

	return &NodeState{
		OwnerID:  kad.OwnerID,
		Port:     kad.Port,
		Local:    fromContactRecord(local),
		Buckets:  buckets,
		Contents: contents.Entries,
	}, nil
}

func toContactRecord(c dht.Contact) contactRecord {
	return contactRecord{
		ID:   c.ID,
		IP:   fmt.Sprintf("%d.%d.%d.%d", c.IP[0], c.IP[1], c.IP[2], c.IP[3]),
		Port: c.Port,
	}
}

func fromContactRecord(r contactRecord) dht.Contact {
	return dht.NewContact(r.ID, net.ParseIP(r.IP), r.Port)
}

func toRoutingRecord(buckets map[int][]dht.Contact) routingRecord {
	depths := make([]int, 0, len(buckets))
	for depth := range buckets {
		depths = append(depths, depth)
	}
	sort.Ints(depths)

	record := routingRecord{Buckets: make([]bucketRecord, 0, len(depths))}
	for _, depth := range depths {
		b := bucketRecord{Depth: depth}
		for _, c := range buckets[depth] {
			b.Contacts = append(b.Contacts, toContactRecord(c))
		}
		record.Buckets = append(record.Buckets, b)
	}
	return record
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}

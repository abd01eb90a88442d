// Package region scopes flood traffic to named network regions. Packets
// routed with transport codes are only forwarded when some region's
// transport key reproduces the code, which lets a mesh operator fence
// repeaters into overlapping named domains without any addressing changes.
package region

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rfmesh/meshnode/core/codec"
)

const (
	// MaxRegions bounds the region table, excluding the wildcard root.
	MaxRegions = 32

	// MaxKeysPerRegion bounds explicit transport keys on one region.
	// Hashtag regions derive a single key from their name instead.
	MaxKeysPerRegion = 4

	// MaxRegionNameLen bounds a region name in bytes.
	MaxRegionNameLen = 30

	// DenyFlood marks a region whose matching packets must not be
	// flood-forwarded.
	DenyFlood = 0x01

	// DenyDirect is reserved.
	DenyDirect = 0x02

	// WildcardName names the root region matching every packet.
	WildcardName = "*"

	// RegionBlobName is the blob key the region map persists under.
	RegionBlobName = "regions"
)

var (
	ErrBadRegionName  = errors.New("invalid region name")
	ErrRegionsFull    = errors.New("region table full")
	ErrRegionNotFound = errors.New("region not found")
	ErrHasChildren    = errors.New("region has child regions")
	ErrBadParent      = errors.New("invalid parent region")
)

// Store is the persistence contract the region map loads and saves
// through.
type Store interface {
	LoadBlob(name string) ([]byte, error)
	SaveBlob(name string, data []byte) error
}

// Entry is one named region. Regions form a hierarchy under the wildcard
// root; flags default to deny-flood so a newly added region never widens
// forwarding by accident.
type Entry struct {
	ID     uint16
	Parent uint16
	Flags  uint8
	Name   string

	// Keys are explicit transport keys. Hashtag regions ('#...') ignore
	// them and derive their key from the name.
	Keys []TransportKey
}

// AllowsFlood reports whether packets matching this region may be
// flood-forwarded.
func (e *Entry) AllowsFlood() bool {
	return e.Flags&DenyFlood == 0
}

// IsHashtag reports whether the region auto-derives its key from its name.
func (e *Entry) IsHashtag() bool {
	return len(e.Name) > 0 && e.Name[0] == '#'
}

func (e *Entry) keys() []TransportKey {
	if e.IsHashtag() {
		return []TransportKey{KeyFromName(e.Name)}
	}
	return e.Keys
}

// Matches reports whether any of the region's keys reproduces the packet's
// transport code.
func (e *Entry) Matches(pkt *codec.Packet) bool {
	for _, k := range e.keys() {
		if k.CalcTransportCode(pkt) == pkt.TransportCodes[0] {
			return true
		}
	}
	return false
}

// Map is the region table: up to MaxRegions named entries under a
// wildcard root that matches everything.
type Map struct {
	entries  []*Entry
	wildcard Entry
	nextID   uint16
	homeID   uint16
}

// NewMap creates a map holding only the wildcard root, which allows both
// flood and direct forwarding until configured otherwise.
func NewMap() *Map {
	return &Map{
		wildcard: Entry{Name: WildcardName},
		nextID:   1,
	}
}

// IsNameChar reports whether c may appear in a region name. Alphanumerics,
// accented characters, '-' and '#' are accepted; most punctuation is not.
func IsNameChar(c byte) bool {
	return c == '-' || c == '#' || (c >= '0' && c <= '9') || c >= 'A'
}

func validName(name string) bool {
	if name == "" || len(name) > MaxRegionNameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !IsNameChar(name[i]) {
			return false
		}
	}
	return true
}

// Put adds a region under the given parent, or re-parents an existing one.
func (m *Map) Put(name string, parentID uint16) (*Entry, error) {
	if !validName(name) {
		return nil, ErrBadRegionName
	}
	if e := m.FindByName(name); e != nil {
		if e.ID == parentID {
			return nil, ErrBadParent
		}
		e.Parent = parentID
		return e, nil
	}
	if len(m.entries) >= MaxRegions {
		return nil, ErrRegionsFull
	}
	e := &Entry{
		ID:     m.nextID,
		Parent: parentID,
		Flags:  DenyFlood,
		Name:   name,
	}
	m.nextID++
	m.entries = append(m.entries, e)
	return e, nil
}

// Wildcard returns the root region.
func (m *Map) Wildcard() *Entry {
	return &m.wildcard
}

// FindByName returns the region with the exact name, the wildcard for "*",
// or nil.
func (m *Map) FindByName(name string) *Entry {
	if name == WildcardName {
		return &m.wildcard
	}
	for _, e := range m.entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// FindByNamePrefix returns the region whose name starts with prefix. An
// exact match wins over a partial one.
func (m *Map) FindByNamePrefix(prefix string) *Entry {
	if prefix == WildcardName {
		return &m.wildcard
	}
	var partial *Entry
	for _, e := range m.entries {
		if e.Name == prefix {
			return e
		}
		if len(e.Name) >= len(prefix) && e.Name[:len(prefix)] == prefix {
			partial = e
		}
	}
	return partial
}

// FindByID returns the region with the given id; id 0 is the wildcard.
func (m *Map) FindByID(id uint16) *Entry {
	if id == 0 {
		return &m.wildcard
	}
	for _, e := range m.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// Home returns the home region, or nil if none is set.
func (m *Map) Home() *Entry {
	if m.homeID == 0 {
		return nil
	}
	return m.FindByID(m.homeID)
}

// SetHome marks the given region as home; nil clears it.
func (m *Map) SetHome(e *Entry) {
	if e == nil {
		m.homeID = 0
		return
	}
	m.homeID = e.ID
}

// Remove deletes a region. The wildcard cannot be removed, and regions
// with children must be emptied first.
func (m *Map) Remove(e *Entry) error {
	if e == nil || e.ID == 0 {
		return ErrRegionNotFound
	}
	for _, child := range m.entries {
		if child.Parent == e.ID {
			return ErrHasChildren
		}
	}
	for i, cur := range m.entries {
		if cur.ID == e.ID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			if m.homeID == e.ID {
				m.homeID = 0
			}
			return nil
		}
	}
	return ErrRegionNotFound
}

// Count returns the number of regions, excluding the wildcard.
func (m *Map) Count() int {
	return len(m.entries)
}

// Entries returns the regions in insertion order, excluding the wildcard.
func (m *Map) Entries() []*Entry {
	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// FindMatch returns the first region not denied by mask whose transport
// key reproduces the packet's code, or nil.
func (m *Map) FindMatch(pkt *codec.Packet, mask uint8) *Entry {
	for _, e := range m.entries {
		if e.Flags&mask == 0 && e.Matches(pkt) {
			return e
		}
	}
	return nil
}

// AllowFlood decides whether a transport-coded packet may be
// flood-forwarded: yes if a flood-enabled region matches it, or if no
// region claims it and the wildcard allows flood.
func (m *Map) AllowFlood(pkt *codec.Packet) bool {
	if m.FindMatch(pkt, DenyFlood) != nil {
		return true
	}
	return m.wildcard.AllowsFlood()
}

// FloodFilter returns the pre-filter the routing engine consults for
// packets carrying transport codes.
func (m *Map) FloodFilter() func(*codec.Packet) bool {
	return m.AllowFlood
}

// NamesAllowedBy returns the comma-separated names of regions not denied
// by mask, with the wildcard first when it qualifies.
func (m *Map) NamesAllowedBy(mask uint8) string {
	out := ""
	if m.wildcard.Flags&mask == 0 {
		out = WildcardName
	}
	for _, e := range m.entries {
		if e.Flags&mask != 0 {
			continue
		}
		if out != "" {
			out += ","
		}
		out += e.Name
	}
	return out
}

// Load restores the map from the store. A missing blob leaves the map
// empty.
func (m *Map) Load(store Store) error {
	data, err := store.LoadBlob(RegionBlobName)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if len(data) < 5 {
		return fmt.Errorf("region blob truncated: %d bytes", len(data))
	}
	m.homeID = binary.LittleEndian.Uint16(data[0:2])
	m.wildcard.Flags = data[2]
	m.nextID = binary.LittleEndian.Uint16(data[3:5])
	data = data[5:]

	m.entries = nil
	for len(data) > 0 {
		if len(data) < 6 {
			return errors.New("region record truncated")
		}
		e := &Entry{
			ID:     binary.LittleEndian.Uint16(data[0:2]),
			Parent: binary.LittleEndian.Uint16(data[2:4]),
			Flags:  data[4],
		}
		nameLen := int(data[5])
		data = data[6:]
		if len(data) < nameLen+1 {
			return errors.New("region record truncated")
		}
		e.Name = string(data[:nameLen])
		keyCount := int(data[nameLen])
		data = data[nameLen+1:]
		if len(data) < keyCount*16 {
			return errors.New("region record truncated")
		}
		for i := 0; i < keyCount; i++ {
			var k TransportKey
			copy(k[:], data[i*16:])
			e.Keys = append(e.Keys, k)
		}
		data = data[keyCount*16:]
		if e.ID >= m.nextID {
			m.nextID = e.ID + 1
		}
		m.entries = append(m.entries, e)
	}
	return nil
}

// Save writes the map to the store.
func (m *Map) Save(store Store) error {
	data := make([]byte, 0, 5+len(m.entries)*40)
	data = binary.LittleEndian.AppendUint16(data, m.homeID)
	data = append(data, m.wildcard.Flags)
	data = binary.LittleEndian.AppendUint16(data, m.nextID)
	for _, e := range m.entries {
		data = binary.LittleEndian.AppendUint16(data, e.ID)
		data = binary.LittleEndian.AppendUint16(data, e.Parent)
		data = append(data, e.Flags, uint8(len(e.Name)))
		data = append(data, e.Name...)
		data = append(data, uint8(len(e.Keys)))
		for _, k := range e.Keys {
			data = append(data, k[:]...)
		}
	}
	return store.SaveBlob(RegionBlobName, data)
}

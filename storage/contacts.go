package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/rfmesh/meshnode/contact"
	"github.com/rfmesh/meshnode/core/codec"
)

// ContactsBlobName is the blob key the contact list persists under.
const ContactsBlobName = "contacts"

// ContactRecordSize is one fixed-size persisted contact:
// pub[32] name[32] type[1] flags[1] perms[1] out_path_len[1]
// out_path[64] last_advert[4] last_mod[4] lat[4] lon[4] sync_since[4].
const ContactRecordSize = 152

func encodeContactRecord(c *contact.ContactInfo) []byte {
	rec := make([]byte, ContactRecordSize)
	copy(rec[0:32], c.ID[:])
	copy(rec[32:64], c.Name)
	rec[64] = c.Type
	rec[65] = c.Flags
	rec[66] = c.Permissions
	rec[67] = byte(c.OutPathLen)
	copy(rec[68:68+codec.MaxPathSize], c.OutPath)
	binary.LittleEndian.PutUint32(rec[132:136], c.LastAdvertTimestamp)
	binary.LittleEndian.PutUint32(rec[136:140], c.LastMod)
	binary.LittleEndian.PutUint32(rec[140:144], uint32(c.GPSLat))
	binary.LittleEndian.PutUint32(rec[144:148], uint32(c.GPSLon))
	binary.LittleEndian.PutUint32(rec[148:152], c.SyncSince)
	return rec
}

func decodeContactRecord(rec []byte) *contact.ContactInfo {
	c := &contact.ContactInfo{}
	copy(c.ID[:], rec[0:32])
	nameEnd := 32
	for nameEnd < 64 && rec[nameEnd] != 0 {
		nameEnd++
	}
	c.Name = string(rec[32:nameEnd])
	c.Type = rec[64]
	c.Flags = rec[65]
	c.Permissions = rec[66]
	c.OutPathLen = int8(rec[67])
	if c.OutPathLen > 0 {
		c.OutPath = append([]byte(nil), rec[68:68+int(c.OutPathLen)]...)
	}
	c.LastAdvertTimestamp = binary.LittleEndian.Uint32(rec[132:136])
	c.LastMod = binary.LittleEndian.Uint32(rec[136:140])
	c.GPSLat = int32(binary.LittleEndian.Uint32(rec[140:144]))
	c.GPSLon = int32(binary.LittleEndian.Uint32(rec[144:148]))
	c.SyncSince = binary.LittleEndian.Uint32(rec[148:152])
	return c
}

// SaveContacts persists every contact in the store as fixed-size records.
func SaveContacts(store Store, contacts contact.ContactStore) error {
	data := make([]byte, 0, contacts.Count()*ContactRecordSize)
	contacts.ForEach(func(c *contact.ContactInfo) bool {
		data = append(data, encodeContactRecord(c)...)
		return true
	})
	return store.SaveBlob(ContactsBlobName, data)
}

// LoadContacts restores persisted contacts into the given store and
// returns how many were added.
func LoadContacts(store Store, into contact.ContactStore) (int, error) {
	data, err := store.LoadBlob(ContactsBlobName)
	if err != nil {
		return 0, err
	}
	if len(data)%ContactRecordSize != 0 {
		return 0, fmt.Errorf("contacts blob has %d bytes, not a record multiple", len(data))
	}
	added := 0
	for off := 0; off < len(data); off += ContactRecordSize {
		if _, err := into.AddContact(decodeContactRecord(data[off : off+ContactRecordSize])); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

package storage

import (
	"encoding/binary"
	"errors"

	"github.com/rfmesh/meshnode/core"
)

// AdvertBlobName is the blob key the raw advert cache persists under.
const AdvertBlobName = "adverts"

// SaveAdvertCache persists raw advert payloads keyed by the advertiser's
// full public key, so a node can re-serve the latest signed advert it saw
// for each peer without re-verifying on every boot.
func SaveAdvertCache(store Store, cache map[core.NodeID][]byte) error {
	size := 0
	for _, raw := range cache {
		size += 32 + 2 + len(raw)
	}
	data := make([]byte, 0, size)
	for id, raw := range cache {
		data = append(data, id[:]...)
		data = binary.LittleEndian.AppendUint16(data, uint16(len(raw)))
		data = append(data, raw...)
	}
	return store.SaveBlob(AdvertBlobName, data)
}

// LoadAdvertCache restores the advert cache.
func LoadAdvertCache(store Store) (map[core.NodeID][]byte, error) {
	data, err := store.LoadBlob(AdvertBlobName)
	if err != nil {
		return nil, err
	}
	cache := make(map[core.NodeID][]byte)
	for len(data) > 0 {
		if len(data) < 34 {
			return nil, errors.New("advert cache record truncated")
		}
		var id core.NodeID
		copy(id[:], data[0:32])
		rawLen := int(binary.LittleEndian.Uint16(data[32:34]))
		data = data[34:]
		if len(data) < rawLen {
			return nil, errors.New("advert cache record truncated")
		}
		cache[id] = append([]byte(nil), data[:rawLen]...)
		data = data[rawLen:]
	}
	return cache, nil
}

package contact

import (
	"math"

	"github.com/rfmesh/meshnode/core"
	"github.com/rfmesh/meshnode/core/codec"
	"github.com/rfmesh/meshnode/core/crypto"
)

// AdvertResult describes the outcome of processing a received ADVERT.
type AdvertResult struct {
	// Contact is the contact that was created or updated. For rejected ADVERTs
	// with autoAdd disabled, this contains a temporary ContactInfo populated
	// from the ADVERT (not stored in the store).
	Contact *ContactInfo

	// IsNew is true if a new contact was added to the store.
	IsNew bool

	// Rejected is true if the ADVERT was not processed (replay, invalid, full, etc.).
	Rejected bool

	// RejectReason is a human-readable explanation when Rejected is true.
	RejectReason string
}

// ProcessAdvert handles a received ADVERT by verifying the signature,
// checking the monotonic timestamp against replays, and adding or updating
// the contact in the store. The peer's AEAD capability flag follows the
// feature words of each fresh advert.
func ProcessAdvert(
	store ContactStore,
	advert *codec.AdvertPayload,
	nowTimestamp uint32,
	autoAdd bool,
) AdvertResult {
	if advert.AppData == nil || advert.AppData.Name == "" {
		return AdvertResult{
			Rejected:     true,
			RejectReason: "advert missing name",
		}
	}

	if !crypto.VerifyAdvert(advert) {
		return AdvertResult{
			Rejected:     true,
			RejectReason: "invalid signature",
		}
	}

	var advertID core.NodeID
	copy(advertID[:], advert.PubKey[:])

	existing := store.GetByPubKey(advertID)

	// A timestamp at or below the last accepted one is a replay or a
	// stale rebroadcast; either way the record stays untouched.
	if existing != nil && advert.Timestamp <= existing.LastAdvertTimestamp {
		return AdvertResult{
			Contact:      existing,
			Rejected:     true,
			RejectReason: "possible replay",
		}
	}

	if existing == nil && !autoAdd {
		temp := populateContactFromAdvert(advert, nowTimestamp)
		return AdvertResult{
			Contact:      temp,
			Rejected:     true,
			RejectReason: "auto-add disabled",
		}
	}

	if existing == nil {
		newContact := populateContactFromAdvert(advert, nowTimestamp)
		stored, err := store.AddContact(newContact)
		if err != nil {
			return AdvertResult{
				Rejected:     true,
				RejectReason: "contacts full",
			}
		}
		return AdvertResult{
			Contact: stored,
			IsNew:   true,
		}
	}

	// Existing contact: refresh advert-borne fields, keep routing state.
	updated := &ContactInfo{
		ID:                  existing.ID,
		Name:                clampName(advert.AppData.Name),
		Type:                advert.AppData.NodeType,
		Flags:               existing.Flags,
		Permissions:         existing.Permissions,
		OutPathLen:          existing.OutPathLen,
		OutPath:             existing.OutPath,
		LastAdvertTimestamp: advert.Timestamp,
		LastMod:             nowTimestamp,
		GPSLat:              existing.GPSLat,
		GPSLon:              existing.GPSLon,
		SyncSince:           existing.SyncSince,
	}
	if advert.AppData.HasLocation() {
		updated.GPSLat = int32(math.Round(*advert.AppData.Lat * codec.CoordScale))
		updated.GPSLon = int32(math.Round(*advert.AppData.Lon * codec.CoordScale))
	}
	applyAeadFlag(updated, advert.AppData)
	_ = store.UpdateContact(updated)

	return AdvertResult{
		Contact: store.GetByPubKey(advertID),
	}
}

// ProcessPath handles a received PATH payload by updating the contact's
// direct routing path and returning any piggybacked extra payload.
//
// Returns the updated contact and the extra type and data (for ACK/RESPONSE
// processing by higher-level code).
func ProcessPath(
	store ContactStore,
	senderID core.NodeID,
	pathContent *codec.PathContent,
	nowTimestamp uint32,
) (contact *ContactInfo, extraType uint8, extraData []byte, err error) {
	found := store.GetByPubKey(senderID)
	if found == nil {
		return nil, 0, nil, ErrContactNotFound
	}

	// Update the direct routing path directly on the stored reference
	found.OutPathLen = int8(pathContent.PathLen)
	if pathContent.PathLen > 0 {
		found.OutPath = make([]byte, pathContent.PathLen)
		copy(found.OutPath, pathContent.Path)
	} else {
		found.OutPath = nil
	}
	found.LastMod = nowTimestamp

	return found, pathContent.ExtraType, pathContent.Extra, nil
}

// populateContactFromAdvert creates a ContactInfo from an ADVERT payload.
func populateContactFromAdvert(advert *codec.AdvertPayload, nowTimestamp uint32) *ContactInfo {
	c := &ContactInfo{
		Name:                clampName(advert.AppData.Name),
		Type:                advert.AppData.NodeType,
		OutPathLen:          PathUnknown,
		LastAdvertTimestamp: advert.Timestamp,
		LastMod:             nowTimestamp,
	}
	copy(c.ID[:], advert.PubKey[:])

	if advert.AppData.HasLocation() {
		c.GPSLat = int32(math.Round(*advert.AppData.Lat * codec.CoordScale))
		c.GPSLon = int32(math.Round(*advert.AppData.Lon * codec.CoordScale))
	}
	applyAeadFlag(c, advert.AppData)

	return c
}

func applyAeadFlag(c *ContactInfo, appData *codec.AdvertAppData) {
	// Only adverts that carry feature words change the stored flag, so a
	// short advert without appdata features does not downgrade the peer.
	if appData.Feature1 != nil {
		c.SetAeadCapable(appData.HasAeadSupport())
	}
}

func clampName(name string) string {
	if len(name) > MaxNameLen {
		return name[:MaxNameLen]
	}
	return name
}

package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PrefsBlobName is the blob key node preferences persist under.
const PrefsBlobName = "prefs"

// prefsRecordSize is the fixed prefs layout:
// name[32] freq[4] bw[4] sf[1] cr[1] tx_power[1] advert_interval[2]
// lat[4] lon[4] flags[1].
const prefsRecordSize = 54

// Prefs flags.
const (
	// PrefFlagAdvertFlood makes the periodic self-advert flood-routed
	// instead of zero-hop.
	PrefFlagAdvertFlood = 0x01
)

// Prefs holds the per-node operating preferences.
type Prefs struct {
	NodeName string

	FreqMHz         float32
	BandwidthKHz    float32
	SpreadingFactor uint8
	CodingRate      uint8
	TxPowerDbm      int8

	// AdvertIntervalMin is the self-advert period in minutes; 0 disables
	// the scheduler.
	AdvertIntervalMin uint16

	// Location advertised in app data, decimal degrees x 1,000,000.
	GPSLat int32
	GPSLon int32

	Flags uint8
}

// SavePrefs persists the preferences.
func SavePrefs(store Store, p *Prefs) error {
	rec := make([]byte, prefsRecordSize)
	copy(rec[0:32], p.NodeName)
	binary.LittleEndian.PutUint32(rec[32:36], math.Float32bits(p.FreqMHz))
	binary.LittleEndian.PutUint32(rec[36:40], math.Float32bits(p.BandwidthKHz))
	rec[40] = p.SpreadingFactor
	rec[41] = p.CodingRate
	rec[42] = byte(p.TxPowerDbm)
	binary.LittleEndian.PutUint16(rec[43:45], p.AdvertIntervalMin)
	binary.LittleEndian.PutUint32(rec[45:49], uint32(p.GPSLat))
	binary.LittleEndian.PutUint32(rec[49:53], uint32(p.GPSLon))
	rec[53] = p.Flags
	return store.SaveBlob(PrefsBlobName, rec)
}

// LoadPrefs restores preferences, or returns nil if none were saved.
func LoadPrefs(store Store) (*Prefs, error) {
	rec, err := store.LoadBlob(PrefsBlobName)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if len(rec) != prefsRecordSize {
		return nil, fmt.Errorf("prefs blob has %d bytes, want %d", len(rec), prefsRecordSize)
	}
	nameEnd := 0
	for nameEnd < 32 && rec[nameEnd] != 0 {
		nameEnd++
	}
	return &Prefs{
		NodeName:          string(rec[0:nameEnd]),
		FreqMHz:           math.Float32frombits(binary.LittleEndian.Uint32(rec[32:36])),
		BandwidthKHz:      math.Float32frombits(binary.LittleEndian.Uint32(rec[36:40])),
		SpreadingFactor:   rec[40],
		CodingRate:        rec[41],
		TxPowerDbm:        int8(rec[42]),
		AdvertIntervalMin: binary.LittleEndian.Uint16(rec[43:45]),
		GPSLat:            int32(binary.LittleEndian.Uint32(rec[45:49])),
		GPSLon:            int32(binary.LittleEndian.Uint32(rec[49:53])),
		Flags:             rec[53],
	}, nil
}

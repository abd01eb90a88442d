package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestPacketHeader(t *testing.T) {
	tests := []struct {
		name           string
		header         uint8
		wantRouteType  uint8
		wantPayloadTyp uint8
		wantVersion    uint8
	}{
		{
			name:           "flood advert v1",
			header:         MakeHeader(RouteTypeFlood, PayloadTypeAdvert, PayloadVer1),
			wantRouteType:  RouteTypeFlood,
			wantPayloadTyp: PayloadTypeAdvert,
			wantVersion:    PayloadVer1,
		},
		{
			name:           "direct txt_msg v1",
			header:         MakeHeader(RouteTypeDirect, PayloadTypeTxtMsg, PayloadVer1),
			wantRouteType:  RouteTypeDirect,
			wantPayloadTyp: PayloadTypeTxtMsg,
			wantVersion:    PayloadVer1,
		},
		{
			name:           "transport flood grp_txt v1",
			header:         MakeHeader(RouteTypeTransportFlood, PayloadTypeGrpTxt, PayloadVer1),
			wantRouteType:  RouteTypeTransportFlood,
			wantPayloadTyp: PayloadTypeGrpTxt,
			wantVersion:    PayloadVer1,
		},
		{
			name:           "transport direct req v1",
			header:         MakeHeader(RouteTypeTransportDirect, PayloadTypeReq, PayloadVer1),
			wantRouteType:  RouteTypeTransportDirect,
			wantPayloadTyp: PayloadTypeReq,
			wantVersion:    PayloadVer1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Packet{Header: tt.header}

			if got := p.RouteType(); got != tt.wantRouteType {
				t.Errorf("RouteType() = %d, want %d", got, tt.wantRouteType)
			}
			if got := p.PayloadType(); got != tt.wantPayloadTyp {
				t.Errorf("PayloadType() = %d, want %d", got, tt.wantPayloadTyp)
			}
			if got := p.PayloadVersion(); got != tt.wantVersion {
				t.Errorf("PayloadVersion() = %d, want %d", got, tt.wantVersion)
			}
		})
	}
}

func TestPacketHasTransportCodes(t *testing.T) {
	tests := []struct {
		routeType uint8
		want      bool
	}{
		{RouteTypeFlood, false},
		{RouteTypeDirect, false},
		{RouteTypeTransportFlood, true},
		{RouteTypeTransportDirect, true},
	}

	for _, tt := range tests {
		p := &Packet{Header: tt.routeType}
		if got := p.HasTransportCodes(); got != tt.want {
			t.Errorf("HasTransportCodes() for route %d = %v, want %v",
				tt.routeType, got, tt.want)
		}
	}
}

func TestPathLenEncoding(t *testing.T) {
	tests := []struct {
		name      string
		pathLen   uint8
		wantCount int
		wantSize  int
		wantBytes int
	}{
		{"empty", 0x00, 0, 1, 0},
		{"three one-byte hashes", 0x03, 3, 1, 3},
		{"max one-byte hashes", 0x3F, 63, 1, 63},
		{"two-byte hashes", 0x42, 2, 2, 4},
		{"three-byte hashes", 0x85, 5, 3, 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Packet{PathLen: tt.pathLen}
			if got := p.HashCount(); got != tt.wantCount {
				t.Errorf("HashCount() = %d, want %d", got, tt.wantCount)
			}
			if got := p.HashSize(); got != tt.wantSize {
				t.Errorf("HashSize() = %d, want %d", got, tt.wantSize)
			}
			if got := p.PathByteLen(); got != tt.wantBytes {
				t.Errorf("PathByteLen() = %d, want %d", got, tt.wantBytes)
			}
		})
	}
}

func TestPacketReadWriteRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
	}{
		{
			name: "flood advert no path",
			packet: Packet{
				Header:  MakeHeader(RouteTypeFlood, PayloadTypeAdvert, PayloadVer1),
				PathLen: 0,
				Path:    []byte{},
				Payload: []byte{0x01, 0x02, 0x03, 0x04},
			},
		},
		{
			name: "flood with path",
			packet: Packet{
				Header:  MakeHeader(RouteTypeFlood, PayloadTypeTxtMsg, PayloadVer1),
				PathLen: 3,
				Path:    []byte{0xAA, 0xBB, 0xCC},
				Payload: []byte{0x01, 0x02, 0x03, 0x04, 0x05},
			},
		},
		{
			name: "transport flood with codes",
			packet: Packet{
				Header:         MakeHeader(RouteTypeTransportFlood, PayloadTypeGrpTxt, PayloadVer1),
				TransportCodes: [2]uint16{0x1234, 0x5678},
				PathLen:        2,
				Path:           []byte{0x11, 0x22},
				Payload:        []byte{0xDE, 0xAD, 0xBE, 0xEF},
			},
		},
		{
			name: "direct with two-byte hashes",
			packet: Packet{
				Header:  MakeHeader(RouteTypeDirect, PayloadTypeTxtMsg, PayloadVer1),
				PathLen: 0x42, // 2 hashes, 2 bytes each
				Path:    []byte{0x10, 0x11, 0x20, 0x21},
				Payload: []byte{0x42},
			},
		},
		{
			name: "direct with max one-byte path",
			packet: Packet{
				Header:  MakeHeader(RouteTypeDirect, PayloadTypePath, PayloadVer1),
				PathLen: 63,
				Path:    make([]byte, 63),
				Payload: []byte{0x42},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.packet.WriteTo()

			var decoded Packet
			if err := decoded.ReadFrom(data); err != nil {
				t.Fatalf("ReadFrom() error = %v", err)
			}

			if decoded.Header != tt.packet.Header {
				t.Errorf("Header = %02x, want %02x", decoded.Header, tt.packet.Header)
			}
			if decoded.TransportCodes != tt.packet.TransportCodes {
				t.Errorf("TransportCodes = %v, want %v",
					decoded.TransportCodes, tt.packet.TransportCodes)
			}
			if decoded.PathLen != tt.packet.PathLen {
				t.Errorf("PathLen = %d, want %d", decoded.PathLen, tt.packet.PathLen)
			}
			if !bytes.Equal(decoded.Path, tt.packet.Path) {
				t.Errorf("Path = %v, want %v", decoded.Path, tt.packet.Path)
			}
			if !bytes.Equal(decoded.Payload, tt.packet.Payload) {
				t.Errorf("Payload = %v, want %v", decoded.Payload, tt.packet.Payload)
			}
			if got := decoded.GetRawLength(); got != len(data) {
				t.Errorf("GetRawLength() = %d, want %d", got, len(data))
			}
		})
	}
}

func TestPacketReadFromErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{
			name:    "empty data",
			data:    []byte{},
			wantErr: ErrPacketTooShort,
		},
		{
			name:    "only header",
			data:    []byte{0x01},
			wantErr: ErrPacketTooShort,
		},
		{
			name: "transport codes missing",
			// Header indicates transport codes but not enough data
			data:    []byte{RouteTypeTransportFlood, 0x00},
			wantErr: ErrPacketTooShort,
		},
		{
			name: "reserved hash size",
			// path_len upper bits = 3 encodes the reserved 4-byte width
			data:    []byte{RouteTypeFlood, 0xC1, 0x00},
			wantErr: ErrHashSizeInvalid,
		},
		{
			name: "path bytes exceed max",
			// 25 hashes of 3 bytes = 75 path bytes
			data:    append([]byte{RouteTypeFlood, 0x99}, make([]byte, 80)...),
			wantErr: ErrPathTooLong,
		},
		{
			name:    "missing payload",
			data:    []byte{RouteTypeFlood, 0x01, 0xAA},
			wantErr: ErrInvalidEncoding,
		},
		{
			name:    "payload too long",
			data:    append([]byte{RouteTypeFlood, 0x00}, make([]byte, MaxPacketPayload+1)...),
			wantErr: ErrPayloadTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Packet
			err := p.ReadFrom(tt.data)
			if err == nil {
				t.Fatal("ReadFrom() expected error, got nil")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ReadFrom() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPacketHashIgnoresPath(t *testing.T) {
	a := &Packet{
		Header:  MakeHeader(RouteTypeFlood, PayloadTypeTxtMsg, PayloadVer1),
		Payload: []byte{0x01, 0x02, 0x03},
	}
	b := &Packet{
		Header:  MakeHeader(RouteTypeDirect, PayloadTypeTxtMsg, PayloadVer1),
		PathLen: 3,
		Path:    []byte{0xAA, 0xBB, 0xCC},
		Payload: []byte{0x01, 0x02, 0x03},
	}

	if a.Hash() != b.Hash() {
		t.Error("hash should not depend on route type or path")
	}

	c := &Packet{
		Header:  MakeHeader(RouteTypeFlood, PayloadTypeTxtMsg, PayloadVer1),
		Payload: []byte{0x01, 0x02, 0x04},
	}
	if a.Hash() == c.Hash() {
		t.Error("different payloads should hash differently")
	}

	d := &Packet{
		Header:  MakeHeader(RouteTypeFlood, PayloadTypeAck, PayloadVer1),
		Payload: []byte{0x01, 0x02, 0x03},
	}
	if a.Hash() == d.Hash() {
		t.Error("different payload types should hash differently")
	}
}

func TestPacketHashTraceIncludesPathLen(t *testing.T) {
	a := &Packet{
		Header:  MakeHeader(RouteTypeDirect, PayloadTypeTrace, PayloadVer1),
		PathLen: 2,
		Path:    []byte{0x01, 0x02},
		Payload: []byte{0x10, 0x20, 0x30},
	}
	b := a.Clone()
	b.PathLen = 3
	b.Path = []byte{0x01, 0x02, 0x03}

	if a.Hash() == b.Hash() {
		t.Error("trace packets with different path_len should hash differently")
	}
}

func TestPacketAppendHash(t *testing.T) {
	p := &Packet{
		Header:  MakeHeader(RouteTypeFlood, PayloadTypeTxtMsg, PayloadVer1),
		PathLen: 2,
		Path:    []byte{0x01, 0x02},
		Payload: []byte{0xFF},
	}

	if err := p.AppendHash([]byte{0x03}); err != nil {
		t.Fatalf("AppendHash() error = %v", err)
	}
	if p.HashCount() != 3 {
		t.Errorf("HashCount() = %d, want 3", p.HashCount())
	}
	if !bytes.Equal(p.Path, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("Path = %v", p.Path)
	}

	// Wrong width is rejected
	if err := p.AppendHash([]byte{0x04, 0x05}); err == nil {
		t.Error("AppendHash() with wrong width should fail")
	}

	// Growing past 63 one-byte entries is rejected
	full := &Packet{PathLen: 63, Path: make([]byte, 63)}
	if err := full.AppendHash([]byte{0xAA}); err == nil {
		t.Error("AppendHash() past max path should fail")
	}
}

func TestPacketCopyPath(t *testing.T) {
	src := &Packet{
		PathLen: 3,
		Path:    []byte{0x0A, 0x0B, 0x0C},
	}

	var dst Packet
	if err := dst.CopyPath(src); err != nil {
		t.Fatalf("CopyPath() error = %v", err)
	}
	if dst.PathLen != src.PathLen || !bytes.Equal(dst.Path, src.Path) {
		t.Errorf("CopyPath() = %d/%v, want %d/%v", dst.PathLen, dst.Path, src.PathLen, src.Path)
	}

	bad := &Packet{PathLen: 0xC1, Path: make([]byte, 4)}
	if err := dst.CopyPath(bad); !errors.Is(err, ErrHashSizeInvalid) {
		t.Errorf("CopyPath() with reserved width error = %v, want %v", err, ErrHashSizeInvalid)
	}
}

func TestPayloadTypeName(t *testing.T) {
	tests := []struct {
		typ  uint8
		want string
	}{
		{PayloadTypeReq, "REQ"},
		{PayloadTypeResponse, "RESPONSE"},
		{PayloadTypeTxtMsg, "TXT_MSG"},
		{PayloadTypeAck, "ACK"},
		{PayloadTypeAdvert, "ADVERT"},
		{PayloadTypeGrpTxt, "GRP_TXT"},
		{PayloadTypeGrpData, "GRP_DATA"},
		{PayloadTypeAnonReq, "ANON_REQ"},
		{PayloadTypePath, "PATH"},
		{PayloadTypeTrace, "TRACE"},
		{PayloadTypeMultipart, "MULTIPART"},
		{PayloadTypeControl, "CONTROL"},
		{PayloadTypeRawCustom, "RAW_CUSTOM"},
		{0x0E, "UNKNOWN(14)"},
	}

	for _, tt := range tests {
		if got := PayloadTypeName(tt.typ); got != tt.want {
			t.Errorf("PayloadTypeName(%d) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestRouteTypeName(t *testing.T) {
	tests := []struct {
		typ  uint8
		want string
	}{
		{RouteTypeTransportFlood, "TRANSPORT_FLOOD"},
		{RouteTypeFlood, "FLOOD"},
		{RouteTypeDirect, "DIRECT"},
		{RouteTypeTransportDirect, "TRANSPORT_DIRECT"},
	}

	for _, tt := range tests {
		if got := RouteTypeName(tt.typ); got != tt.want {
			t.Errorf("RouteTypeName(%d) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

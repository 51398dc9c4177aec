package applabel

import (
	"bytes"
	"encoding/binary"

	"github.com/flowforge/yafgo/pkg/flowtable"
)

// labelTLS is the label code SNILabeler returns for a recognized TLS
// ClientHello, regardless of the destination port it arrived on.
const labelTLS uint16 = 443

// SNIContext is the deep-inspection record SNILabeler attaches to a flow:
// the server name the client requested in its ClientHello, if any.
type SNIContext struct {
	ServerName string
}

// Free implements flowtable.LabelContext. SNIContext owns no resources
// beyond the Go string itself.
func (c *SNIContext) Free() {}

// SNILabeler is a flowtable.Labeler that recognizes a TLS ClientHello by
// its fixed record/handshake header bytes and extracts the SNI extension,
// demonstrating the Process half of the plugin contract (Process builds an
// opaque per-flow record; PortLabeler's Scan-only form does not).
type SNILabeler struct{}

// Scan implements flowtable.Labeler.
func (SNILabeler) Scan(payload []byte, _ *flowtable.Flow, _ *flowtable.FlowValue) uint16 {
	if looksLikeClientHello(payload) {
		return labelTLS
	}
	return 0
}

// Process implements flowtable.Labeler, extracting the SNI server name
// extension from a ClientHello payload already confirmed by Scan.
func (SNILabeler) Process(_ *flowtable.Flow, payload []byte) flowtable.LabelContext {
	name, ok := extractSNI(payload)
	if !ok {
		return nil
	}
	return &SNIContext{ServerName: name}
}

// looksLikeClientHello checks the TLS record header (handshake content
// type, a TLS 1.x version) and the handshake header (ClientHello message
// type) without validating the rest of the structure.
func looksLikeClientHello(b []byte) bool {
	const (
		contentTypeHandshake   = 0x16
		handshakeTypeClientHlo = 0x01
	)
	if len(b) < 9 {
		return false
	}
	if b[0] != contentTypeHandshake {
		return false
	}
	if b[1] != 0x03 { // major version 3 covers TLS 1.0-1.3
		return false
	}
	return b[5] == handshakeTypeClientHlo
}

// extractSNI walks a ClientHello's session id, cipher suites, compression
// methods, and extensions to find the server_name extension (type 0) and
// return its host_name entry (name type 0).
func extractSNI(b []byte) (string, bool) {
	const recordHeaderLen = 5
	const handshakeHeaderLen = 4

	if len(b) < recordHeaderLen+handshakeHeaderLen+2+32 {
		return "", false
	}
	p := b[recordHeaderLen+handshakeHeaderLen:]
	p = p[2:] // client version
	p = p[32:] // random

	if len(p) < 1 {
		return "", false
	}
	sessIDLen := int(p[0])
	p = p[1:]
	if len(p) < sessIDLen+2 {
		return "", false
	}
	p = p[sessIDLen:]

	cipherLen := int(binary.BigEndian.Uint16(p[:2]))
	p = p[2:]
	if len(p) < cipherLen+1 {
		return "", false
	}
	p = p[cipherLen:]

	compLen := int(p[0])
	p = p[1:]
	if len(p) < compLen+2 {
		return "", false
	}
	p = p[compLen:]

	extTotalLen := int(binary.BigEndian.Uint16(p[:2]))
	p = p[2:]
	if len(p) < extTotalLen {
		return "", false
	}
	p = p[:extTotalLen]

	for len(p) >= 4 {
		extType := binary.BigEndian.Uint16(p[:2])
		extLen := int(binary.BigEndian.Uint16(p[2:4]))
		p = p[4:]
		if len(p) < extLen {
			return "", false
		}
		ext := p[:extLen]
		p = p[extLen:]

		if extType != 0 { // server_name
			continue
		}
		if len(ext) < 2 {
			continue
		}
		listLen := int(binary.BigEndian.Uint16(ext[:2]))
		rest := ext[2:]
		if listLen > len(rest) {
			continue
		}
		rest = rest[:listLen]
		for len(rest) >= 3 {
			nameType := rest[0]
			nameLen := int(binary.BigEndian.Uint16(rest[1:3]))
			rest = rest[3:]
			if nameLen > len(rest) {
				break
			}
			if nameType == 0 {
				return string(bytes.TrimSpace(rest[:nameLen])), true
			}
			rest = rest[nameLen:]
		}
	}
	return "", false
}

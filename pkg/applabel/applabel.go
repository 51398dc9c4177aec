// Package applabel implements the application-label/DPI plugin contract
// (spec.md §6): scan a flow's captured payload for a recognizable
// application, optionally build a deeper per-flow inspection context, and
// free that context on flow destruction.
//
// The sample plugin here labels by well-known port, grounded on the
// teacher's isCommonPort (pkg/capture/flow.go) — the same DNS/HTTP/HTTPS
// port set goProbe special-cases when deciding whether to fold a port into
// its flow key — generalized from a hardcoded TCP/UDP special case into a
// lookup table any flowtable.Labeler can be built from.
package applabel

import "github.com/flowforge/yafgo/pkg/flowtable"

// WellKnownPort maps a (protocol, port) pair to an application label code.
// Label codes are the port itself, matching the convention that a label is
// "typically a well-known port" (spec.md §6).
type WellKnownPort struct {
	Proto uint8
	Port  uint16
}

// PortLabeler is a flowtable.Labeler that recognizes traffic purely by
// destination (or source) port, without inspecting payload bytes. It never
// builds a deep-inspection context — Process always returns nil.
type PortLabeler struct {
	known map[WellKnownPort]uint16
}

// DefaultPortLabeler returns a PortLabeler seeded with the common services
// goProbe itself special-cases: DNS, HTTP, and HTTPS over TCP and UDP.
func DefaultPortLabeler() *PortLabeler {
	const (
		tcp = 6
		udp = 17
	)
	p := NewPortLabeler()
	for _, proto := range []uint8{tcp, udp} {
		p.Add(proto, 53, 53)   // DNS
		p.Add(proto, 443, 443) // HTTPS
	}
	p.Add(tcp, 80, 80) // HTTP
	return p
}

// NewPortLabeler returns an empty PortLabeler; use Add to populate it.
func NewPortLabeler() *PortLabeler {
	return &PortLabeler{known: make(map[WellKnownPort]uint16)}
}

// Add registers proto/port as recognized, labeling matching flows with
// label.
func (p *PortLabeler) Add(proto uint8, port uint16, label uint16) {
	p.known[WellKnownPort{Proto: proto, Port: port}] = label
}

// Scan implements flowtable.Labeler. It checks both the flow's source and
// destination port against the known table, independent of payload
// content — payload and val are accepted to satisfy the interface and to
// let a future payload-sniffing labeler reuse the same call site.
func (p *PortLabeler) Scan(_ []byte, flow *flowtable.Flow, _ *flowtable.FlowValue) uint16 {
	k := flow.Key
	if label, ok := p.known[WellKnownPort{Proto: k.Proto, Port: k.DstPort}]; ok {
		return label
	}
	if label, ok := p.known[WellKnownPort{Proto: k.Proto, Port: k.SrcPort}]; ok {
		return label
	}
	return 0
}

// Process implements flowtable.Labeler. PortLabeler never builds a
// deep-inspection context.
func (p *PortLabeler) Process(*flowtable.Flow, []byte) flowtable.LabelContext {
	return nil
}

// Package writer implements the flowtable.Writer contract and a JSON
// debug writer standing in for the IPFIX codec spec.md explicitly places
// outside the core (§6: "The core does not prescribe the wire format").
//
// A Writer's lifecycle mirrors the teacher's own output sinks
// (pkg/goDB's DBWriter, pkg/capture's rotation-bound FlowLog serialization):
// open once, write/flush repeatedly across a rotation interval, close once
// at rotation or shutdown. pkg/pipeline owns the rotation/open-new-writer
// decision; this package only implements one rotation period's worth of
// output.
package writer

import (
	"bufio"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/flowforge/yafgo/pkg/flowtable"
)

// record is the JSON-serializable projection of a terminated Flow,
// grounded on the teacher's Flow.toExtendedRow/MarshalJSON
// (pkg/capture/flow.go) — a flat, self-contained row rather than the
// internal Flow struct itself, so downstream tooling doesn't depend on
// flowtable's internal field layout (labeled, elem, etc).
type record struct {
	SrcIP   string `json:"sip"`
	DstIP   string `json:"dip"`
	SrcPort uint16 `json:"sport"`
	DstPort uint16 `json:"dport"`
	Proto   uint8  `json:"proto"`
	VlanID  uint16 `json:"vlan,omitempty"`

	STime int64 `json:"stime"`
	ETime int64 `json:"etime"`
	RDTime int64 `json:"rdtime,omitempty"`

	EndReason    string `json:"endReason"`
	Continuation bool   `json:"continuation,omitempty"`

	FwdOctets  uint64 `json:"fwdOctets"`
	FwdPackets uint64 `json:"fwdPackets"`
	RevOctets  uint64 `json:"revOctets"`
	RevPackets uint64 `json:"revPackets"`

	FwdIFlags uint8 `json:"fwdIflags"`
	FwdUFlags uint8 `json:"fwdUflags"`
	RevIFlags uint8 `json:"revIflags"`
	RevUFlags uint8 `json:"revUflags"`

	Label uint16 `json:"label,omitempty"`

	MPLSDepth uint8 `json:"mplsDepth,omitempty"`
}

func toRecord(f *flowtable.Flow) record {
	k := f.Key
	return record{
		SrcIP:   k.SrcIP.String(),
		DstIP:   k.DstIP.String(),
		SrcPort: k.SrcPort,
		DstPort: k.DstPort,
		Proto:   k.Proto,
		VlanID:  k.VlanID,

		STime:  f.STime,
		ETime:  f.ETime,
		RDTime: f.RDTime,

		EndReason:    f.EndReason.String(),
		Continuation: f.Continuation,

		FwdOctets:  f.Val.Octets,
		FwdPackets: f.Val.Packets,
		RevOctets:  f.RVal.Octets,
		RevPackets: f.RVal.Packets,

		FwdIFlags: f.Val.IFlags,
		FwdUFlags: f.Val.UFlags,
		RevIFlags: f.RVal.IFlags,
		RevUFlags: f.RVal.UFlags,

		Label: f.Label,

		MPLSDepth: f.MPLSDepth,
	}
}

// JSONWriter is a flowtable.Writer that writes one JSON object per line
// (newline-delimited JSON) to an underlying io.WriteCloser, using
// json-iterator/go for marshaling, matching the teacher's own choice of
// jsoniter over encoding/json for flow serialization (pkg/capture/flow.go).
//
// A JSONWriter is safe for concurrent use, though in this repo's
// concurrency model only the flush thread ever calls into it.
type JSONWriter struct {
	mu  sync.Mutex
	out io.WriteCloser
	bw  *bufio.Writer
	api jsoniter.API
}

// NewJSONWriter wraps out, covering one rotation period's worth of output.
// Closing out is the caller's responsibility via Close.
func NewJSONWriter(out io.WriteCloser) *JSONWriter {
	return &JSONWriter{
		out: out,
		bw:  bufio.NewWriter(out),
		api: jsoniter.ConfigCompatibleWithStandardLibrary,
	}
}

// Write implements flowtable.Writer: marshal f and append a newline.
// The flow is borrowed for the duration of this call only, per spec.md's
// ownership note that the FlowTable frees flow state after the writer
// returns.
func (w *JSONWriter) Write(f *flowtable.Flow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, err := w.api.Marshal(toRecord(f))
	if err != nil {
		return err
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	return w.bw.WriteByte('\n')
}

// Flush implements flowtable.Writer, pushing buffered bytes to out.
func (w *JSONWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bw.Flush()
}

// Close implements flowtable.Writer: flush, then close the underlying
// writer. Called by pkg/pipeline at rotation boundaries and on shutdown.
func (w *JSONWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		_ = w.out.Close()
		return err
	}
	return w.out.Close()
}

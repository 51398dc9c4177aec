package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fako1024/gopacket/pcapgo"

	"github.com/flowforge/yafgo/pkg/pipeline"
)

// pcapFileSource replays a pcap trace file through pipeline.CaptureLoop,
// grounded on the teacher's own use of fako1024/gopacket/pcapgo for file
// I/O (pkg/capture/GPLog.go writes pcap files with the same package's
// Writer; pcapFileSource reads them back with its sibling Reader).
//
// The live capture driver itself (libpcap/AF_PACKET/PF_RING) is treated as
// an external collaborator per spec.md §1 — this is the one concrete
// pipeline.Source yafcore ships, sufficient to run and test the full
// pipeline end to end against a recorded trace.
type pcapFileSource struct {
	file     *os.File
	reader   *pcapgo.Reader
	linkType int
}

// newPCAPFileSource opens path and returns a Source replaying it once, in
// order, with no pacing (packets are handed to the capture loop as fast as
// it can drain them; the flow table's aging logic runs off the packets'
// own recorded timestamps, not wall-clock time).
func newPCAPFileSource(path string) (*pcapFileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pcap file: %w", err)
	}

	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read pcap header: %w", err)
	}

	return &pcapFileSource{file: f, reader: r, linkType: int(r.LinkType())}, nil
}

// LinkType returns the trace file's declared link type, resolved against
// decode.LinkType by the caller before the capture loop starts.
func (s *pcapFileSource) LinkType() int { return s.linkType }

// NextPacket implements pipeline.Source.
func (s *pcapFileSource) NextPacket() (data []byte, timestampMs int64, totalLen int, err error) {
	data, ci, err := s.reader.ReadPacketData()
	if err == io.EOF {
		return nil, 0, 0, pipeline.ErrSourceClosed
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read packet: %w", err)
	}
	return data, ci.Timestamp.UnixMilli(), ci.Length, nil
}

// Close releases the underlying file handle.
func (s *pcapFileSource) Close() error {
	return s.file.Close()
}

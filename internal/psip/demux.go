// Package psip demultiplexes MPEG-TS captures and parses the ATSC PSIP
// tables (VCT, EIT) that feed the guide catalog.
//
// The demuxer is synchronous: Write consumes a chunk of capture output,
// reassembles sections on the ATSC base PID, and dispatches them to the
// table parsers in stream order.
package psip

import (
	"context"
	"log/slog"
	"sync"
)

// PacketSize is the fixed MPEG-TS packet size.
const PacketSize = 188

const (
	syncByte = 0x47

	// basePID is the ATSC base PID carrying VCT/EIT/ETT sections.
	basePID = 0x1FFB

	// maxSectionSize bounds a reassembled private section.
	maxSectionSize = 4096
)

// Program is one guide entry extracted from an EIT, in the shape the
// catalog store persists.
type Program struct {
	Frequency string
	ChannelID string
	StartMs   int64
	EndMs     int64
	Title     string
	EventID   int
	SourceID  int
}

// Sink receives parsed guide entries.
type Sink interface {
	Upsert(ctx context.Context, p Program) error
}

// SourceMap maps (frequency, source_id) to a virtual channel number. It is
// populated by VCT parsing and consumed by EIT parsing; keeping it across
// scan cycles lets an EIT arriving before its VCT still resolve.
type SourceMap struct {
	mu sync.Mutex
	m  map[sourceKey]string
}

type sourceKey struct {
	frequency string
	sourceID  int
}

// NewSourceMap creates an empty source map.
func NewSourceMap() *SourceMap {
	return &SourceMap{m: make(map[sourceKey]string)}
}

// Put records a mapping; existing entries are kept.
func (s *SourceMap) Put(frequency string, sourceID int, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sourceKey{frequency, sourceID}
	if _, ok := s.m[key]; !ok {
		s.m[key] = channel
	}
}

// Get resolves a mapping, returning "" when unknown.
func (s *SourceMap) Get(frequency string, sourceID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[sourceKey{frequency, sourceID}]
}

// sectionBuffer reassembles one section across packets for a single PID.
type sectionBuffer struct {
	buf      []byte
	expected int
	open     bool
}

// Demuxer consumes the raw byte stream of one mux capture.
type Demuxer struct {
	ctx       context.Context
	frequency string
	sources   *SourceMap
	sink      Sink
	logger    *slog.Logger

	// buffers is keyed by PID; in practice only basePID is retained, but
	// adding PIDs is a table entry, not a refactor.
	buffers map[uint16]*sectionBuffer

	// carry holds a trailing partial packet between Write calls.
	carry []byte

	packets  int
	sections int
}

// NewDemuxer creates a demuxer for one mux identified by its frequency.
func NewDemuxer(ctx context.Context, frequency string, sources *SourceMap, sink Sink, logger *slog.Logger) *Demuxer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Demuxer{
		ctx:       ctx,
		frequency: frequency,
		sources:   sources,
		sink:      sink,
		logger:    logger,
		buffers:   make(map[uint16]*sectionBuffer),
	}
}

// Write implements io.Writer over the capture byte stream. Partial trailing
// packets are carried into the next call.
func (d *Demuxer) Write(p []byte) (int, error) {
	data := p
	if len(d.carry) > 0 {
		data = append(d.carry, p...)
		d.carry = nil
	}

	for len(data) >= PacketSize {
		d.handlePacket(data[:PacketSize])
		data = data[PacketSize:]
	}

	if len(data) > 0 {
		d.carry = append([]byte(nil), data...)
	}
	return len(p), nil
}

// Packets returns how many aligned packets have been inspected.
func (d *Demuxer) Packets() int { return d.packets }

func (d *Demuxer) handlePacket(pkt []byte) {
	if pkt[0] != syncByte {
		return
	}
	if pkt[1]&0x80 != 0 { // transport error indicator
		return
	}
	d.packets++

	pusi := pkt[1]&0x40 != 0
	pid := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])

	payloadOffset := 4
	adaptation := (pkt[3] >> 4) & 0x3
	if adaptation == 0x2 || adaptation == 0x3 {
		payloadOffset += 1 + int(pkt[4])
	}
	if payloadOffset >= PacketSize {
		return
	}

	if pid != basePID {
		return
	}

	payload := pkt[payloadOffset:]
	sb := d.buffers[pid]
	if sb == nil {
		sb = &sectionBuffer{}
		d.buffers[pid] = sb
	}

	if pusi {
		d.handleUnitStart(pid, sb, payload)
		return
	}

	if !sb.open {
		return
	}
	needed := sb.expected - len(sb.buf)
	if needed > len(payload) {
		needed = len(payload)
	}
	sb.buf = append(sb.buf, payload[:needed]...)
	if len(sb.buf) >= sb.expected {
		d.dispatch(sb.buf)
		sb.open = false
		sb.buf = nil
	}
}

// handleUnitStart processes a payload whose first byte is the pointer
// field: bytes before the pointer complete any in-progress section, and a
// new section starts after it.
func (d *Demuxer) handleUnitStart(pid uint16, sb *sectionBuffer, payload []byte) {
	if len(payload) < 1 {
		return
	}
	pointer := int(payload[0])
	payload = payload[1:]
	if pointer > len(payload) {
		return
	}

	if sb.open {
		if len(sb.buf)+pointer <= maxSectionSize {
			sb.buf = append(sb.buf, payload[:pointer]...)
			d.dispatch(sb.buf)
		}
		sb.open = false
		sb.buf = nil
	}

	section := payload[pointer:]
	if len(section) < 3 {
		return
	}
	total := sectionLength(section)
	if total > maxSectionSize {
		return
	}

	if len(section) >= total {
		d.dispatch(section[:total])
		return
	}

	sb.buf = append([]byte(nil), section...)
	sb.expected = total
	sb.open = true
}

// sectionLength returns the total section size including the 3-byte header.
func sectionLength(section []byte) int {
	return (int(section[1]&0x0F)<<8 | int(section[2])) + 3
}

// dispatch routes a complete section to its table parser.
func (d *Demuxer) dispatch(section []byte) {
	if len(section) < 3 {
		return
	}
	d.sections++

	tableID := section[0]
	switch {
	case tableID == 0xC8 || tableID == 0xC9:
		d.parseVCT(section)
	case tableID >= 0xCB && tableID <= 0xFB:
		d.parseEIT(section)
	default:
		// ETT and other base-PID tables: descriptions are not ingested yet.
	}
}

package psip

import (
	"fmt"
	"log/slog"
	"strconv"
)

const (
	// gpsUnixOffset converts the ATSC GPS epoch (1980-01-06) to Unix.
	gpsUnixOffset = 315964800

	// gpsLeapSeconds is the GPS-UTC offset currently in effect.
	gpsLeapSeconds = 18

	crcSize = 4

	vctChannelSize = 32
)

// gpsToUnixMs converts ATSC GPS seconds to Unix milliseconds.
func gpsToUnixMs(gps uint32) int64 {
	return (int64(gps) + gpsUnixOffset - gpsLeapSeconds) * 1000
}

// parseVCT extracts (source_id -> major.minor) mappings from a terrestrial
// or cable Virtual Channel Table section.
func (d *Demuxer) parseVCT(section []byte) {
	if len(section) < 10+crcSize {
		return
	}

	numChannels := int(section[9])
	offset := 10

	for i := 0; i < numChannels; i++ {
		if offset+vctChannelSize > len(section)-crcSize {
			break
		}
		ch := section[offset : offset+vctChannelSize]

		major := int(ch[4]&0x0F)<<6 | int(ch[5])>>2
		minor := int(ch[5]&0x03)<<8 | int(ch[6])
		sourceID := int(ch[22])<<8 | int(ch[23])
		descLen := int(ch[30]&0x03)<<8 | int(ch[31])

		if sourceID != 0 && major != 0 {
			number := fmt.Sprintf("%d.%d", major, minor)
			d.sources.Put(d.frequency, sourceID, number)
			d.logger.Debug("vct channel",
				slog.String("frequency", d.frequency),
				slog.Int("source_id", sourceID),
				slog.String("channel", number))
		}

		offset += vctChannelSize + descLen
	}
}

// parseEIT walks the events of an Event Information Table section and
// upserts one guide entry per titled event.
func (d *Demuxer) parseEIT(section []byte) {
	if len(section) < 10+crcSize {
		return
	}

	sourceID := int(section[3])<<8 | int(section[4])
	numEvents := int(section[9])
	offset := 10

	channel := d.sources.Get(d.frequency, sourceID)
	if channel == "" {
		// EIT seen before its VCT: fall back to the raw source id so the
		// entry is still captured; a later cycle resolves the number.
		channel = strconv.Itoa(sourceID)
	}

	for i := 0; i < numEvents; i++ {
		if offset+12 > len(section)-crcSize {
			break
		}
		ev := section[offset:]

		eventID := int(ev[0]&0x3F)<<8 | int(ev[1])
		startGPS := uint32(ev[2])<<24 | uint32(ev[3])<<16 | uint32(ev[4])<<8 | uint32(ev[5])
		lengthSec := int64(ev[6]&0x0F)<<16 | int64(ev[7])<<8 | int64(ev[8])
		titleLen := int(ev[9])

		if offset+10+titleLen+2 > len(section)-crcSize {
			break
		}

		title := parseTitle(ev[10 : 10+titleLen])
		startMs := gpsToUnixMs(startGPS)

		if title != "" && lengthSec > 0 {
			p := Program{
				Frequency: d.frequency,
				ChannelID: channel,
				StartMs:   startMs,
				EndMs:     startMs + lengthSec*1000,
				Title:     title,
				EventID:   eventID,
				SourceID:  sourceID,
			}
			if err := d.sink.Upsert(d.ctx, p); err != nil {
				d.logger.Warn("guide upsert failed",
					slog.String("channel", channel),
					slog.String("title", title),
					slog.Any("error", err))
			}
		}

		descLen := int(ev[10+titleLen]&0x0F)<<8 | int(ev[11+titleLen])
		offset += 12 + titleLen + descLen
	}
}

// parseTitle extracts the first string of an ATSC Multiple String Structure.
// Only uncompressed segments are handled; compressed titles come back empty
// rather than garbled.
func parseTitle(mss []byte) string {
	if len(mss) < 8 {
		return ""
	}
	numStrings := mss[0]
	if numStrings == 0 {
		return ""
	}

	// First string: 3-byte language code, then segment count.
	numSegments := mss[4]
	if numSegments == 0 {
		return ""
	}

	// First segment: compression_type, mode, number_bytes, then text.
	compression := mss[5]
	textLen := int(mss[7])
	if compression != 0 {
		return ""
	}
	if 8+textLen > len(mss) {
		textLen = len(mss) - 8
	}
	if textLen <= 0 {
		return ""
	}
	return string(mss[8 : 8+textLen])
}

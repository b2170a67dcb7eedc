// Package channels loads the channel catalog from a dvbv5-format
// channels.conf file. The catalog is read-only once loaded.
package channels

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Channel is one virtual channel from the scan output.
type Channel struct {
	// Name is the display name from the section header.
	Name string
	// ServiceID is the MPEG service id within the mux.
	ServiceID string
	// Frequency is the RF frequency of the mux carrying this channel.
	Frequency string
	// Number is the virtual channel number, e.g. "5.1".
	Number string
}

// Catalog is the loaded, immutable channel list.
type Catalog struct {
	channels []Channel
	byNumber map[string]*Channel
}

// Load parses a dvbv5 channels.conf: ini-style [Name] sections with
// SERVICE_ID, FREQUENCY, and VCHANNEL keys. Sections without a frequency
// are dropped. Channels are sorted by major.minor number.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening channels conf: %w", err)
	}
	defer f.Close()

	var (
		list    []Channel
		current *Channel
	)

	flush := func() {
		if current != nil && current.Frequency != "" {
			list = append(list, *current)
		}
		current = nil
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") && len(line) > 2 {
			flush()
			current = &Channel{Name: strings.TrimSpace(line[1 : len(line)-1])}
			continue
		}

		if current == nil {
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch key {
		case "SERVICE_ID":
			current.ServiceID = val
		case "FREQUENCY":
			current.Frequency = val
		case "VCHANNEL":
			current.Number = val
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading channels conf: %w", err)
	}

	sort.SliceStable(list, func(i, j int) bool {
		return lessNumber(list[i].Number, list[j].Number)
	})

	return NewCatalog(list), nil
}

// NewCatalog builds a catalog from an already-ordered channel list.
func NewCatalog(list []Channel) *Catalog {
	c := &Catalog{
		channels: list,
		byNumber: make(map[string]*Channel, len(list)),
	}
	for i := range c.channels {
		c.byNumber[c.channels[i].Number] = &c.channels[i]
	}
	return c
}

// Channels returns the channels in catalog order.
func (c *Catalog) Channels() []Channel {
	return c.channels
}

// Len returns the number of channels.
func (c *Catalog) Len() int {
	return len(c.channels)
}

// FindByNumber returns the channel with the given virtual number, or nil.
func (c *Catalog) FindByNumber(number string) *Channel {
	return c.byNumber[number]
}

// UniqueFrequencies returns one representative channel per distinct
// frequency, in catalog order. The guide scan walks muxes, not channels.
func (c *Catalog) UniqueFrequencies() []Channel {
	seen := make(map[string]bool, len(c.channels))
	var out []Channel
	for _, ch := range c.channels {
		if seen[ch.Frequency] {
			continue
		}
		seen[ch.Frequency] = true
		out = append(out, ch)
	}
	return out
}

// lessNumber orders virtual channel numbers by numeric major then minor.
func lessNumber(a, b string) bool {
	amaj, amin := splitNumber(a)
	bmaj, bmin := splitNumber(b)
	if amaj != bmaj {
		return amaj < bmaj
	}
	return amin < bmin
}

func splitNumber(n string) (int, int) {
	major, minor, _ := strings.Cut(n, ".")
	mj, _ := strconv.Atoi(major)
	mn, _ := strconv.Atoi(minor)
	return mj, mn
}

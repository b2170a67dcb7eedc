package guide

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/zaplinktv/zaplink/internal/channels"
	"github.com/zaplinktv/zaplink/internal/models"
	"github.com/zaplinktv/zaplink/internal/repository"
)

// xmltvTimeLayout is the XMLTV timestamp format; all times are UTC.
const xmltvTimeLayout = "20060102150405 +0000"

// Renderer serves the guide catalog in XMLTV and JSON form.
type Renderer struct {
	catalog *channels.Catalog
	repo    repository.ProgramRepository
}

// NewRenderer creates a guide renderer.
func NewRenderer(catalog *channels.Catalog, repo repository.ProgramRepository) *Renderer {
	return &Renderer{catalog: catalog, repo: repo}
}

// XMLTV renders every upcoming program as an XMLTV document. Channels
// come from the channel catalog; programs that resolved only to a raw
// source id still appear under that id.
func (r *Renderer) XMLTV(ctx context.Context) ([]byte, error) {
	programs, err := r.repo.GetUpcoming(ctx, time.Now())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<tv generator-info-name=\"zaplink\">\n")

	for _, ch := range r.catalog.Channels() {
		fmt.Fprintf(&buf, "  <channel id=\"%s\">\n", escapeXML(ch.Number))
		fmt.Fprintf(&buf, "    <display-name>%s</display-name>\n", escapeXML(ch.Name))
		buf.WriteString("  </channel>\n")
	}

	for _, p := range programs {
		fmt.Fprintf(&buf, "  <programme start=\"%s\" stop=\"%s\" channel=\"%s\">\n",
			p.Start().Format(xmltvTimeLayout),
			p.End().Format(xmltvTimeLayout),
			escapeXML(p.ChannelID))
		fmt.Fprintf(&buf, "    <title>%s</title>\n", escapeXML(p.Title))
		if p.Description != "" {
			fmt.Fprintf(&buf, "    <desc>%s</desc>\n", escapeXML(p.Description))
		}
		buf.WriteString("  </programme>\n")
	}

	buf.WriteString("</tv>\n")
	return buf.Bytes(), nil
}

// guideChannelJSON is one channel entry of the JSON guide.
type guideChannelJSON struct {
	Number    string `json:"number"`
	Name      string `json:"name"`
	Frequency string `json:"frequency"`
}

// guideJSON is the JSON guide document.
type guideJSON struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Channels    []guideChannelJSON `json:"channels"`
	Programs    []*models.Program  `json:"programs"`
}

// JSON renders the guide as a single JSON document.
func (r *Renderer) JSON(ctx context.Context) ([]byte, error) {
	programs, err := r.repo.GetUpcoming(ctx, time.Now())
	if err != nil {
		return nil, err
	}

	doc := guideJSON{
		GeneratedAt: time.Now().UTC(),
		Programs:    programs,
	}
	for _, ch := range r.catalog.Channels() {
		doc.Channels = append(doc.Channels, guideChannelJSON{
			Number:    ch.Number,
			Name:      ch.Name,
			Frequency: ch.Frequency,
		})
	}

	return json.MarshalIndent(doc, "", "  ")
}

// escapeXML escapes text for element content and attribute values.
func escapeXML(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

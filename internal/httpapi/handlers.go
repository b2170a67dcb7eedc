package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zaplinktv/zaplink/internal/relay"
	"github.com/zaplinktv/zaplink/internal/transcode"
	"github.com/zaplinktv/zaplink/internal/version"
)

const (
	contentTypeMPEGTS = "video/mp2t"
	contentTypeM3U    = "audio/x-mpegurl"
	contentTypeHLS    = "application/vnd.apple.mpegurl"
)

// statusFor maps relay errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrBadParams):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrChannelNotFound), errors.Is(err, relay.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrNoTuner), errors.Is(err, relay.ErrRetry), errors.Is(err, relay.ErrSessionLimit):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

// streamWriter defers the response status until the first payload byte,
// so pipeline failures before any output still produce an error status.
type streamWriter struct {
	w           http.ResponseWriter
	wroteHeader bool
}

func (sw *streamWriter) Write(p []byte) (int, error) {
	if !sw.wroteHeader {
		sw.w.WriteHeader(http.StatusOK)
		sw.wroteHeader = true
	}
	return sw.w.Write(p)
}

func (sw *streamWriter) Flush() {
	if f, ok := sw.w.(http.Flusher); ok {
		f.Flush()
	}
}

// variant is a parsed transcode parameter path:
// <backend>/<codec>[/b<kbps>][/ac6].
type variant struct {
	backend     transcode.Backend
	codec       transcode.Codec
	bitrateKbps int
	surround51  bool
}

func parseVariant(parts []string) (variant, error) {
	if len(parts) < 2 {
		return variant{}, relay.ErrBadParams
	}

	backend, err := transcode.ParseBackend(parts[0])
	if err != nil {
		return variant{}, fmt.Errorf("%w: %v", relay.ErrBadParams, err)
	}
	codec, err := transcode.ParseCodec(parts[1])
	if err != nil {
		return variant{}, fmt.Errorf("%w: %v", relay.ErrBadParams, err)
	}

	v := variant{backend: backend, codec: codec}
	for _, p := range parts[2:] {
		switch {
		case p == "ac6":
			v.surround51 = true
		case strings.HasPrefix(p, "b"):
			kbps, err := strconv.Atoi(p[1:])
			if err != nil || kbps <= 0 {
				return variant{}, fmt.Errorf("%w: bad bitrate %q", relay.ErrBadParams, p)
			}
			v.bitrateKbps = kbps
		default:
			return variant{}, fmt.Errorf("%w: unknown parameter %q", relay.ErrBadParams, p)
		}
	}
	return v, nil
}

// paramPath is the canonical URL encoding of a variant.
func (v variant) paramPath() string {
	path := v.backend.String() + "/" + v.codec.String()
	if v.bitrateKbps > 0 {
		path += "/b" + strconv.Itoa(v.bitrateKbps)
	}
	if v.surround51 {
		path += "/ac6"
	}
	return path
}

func (v variant) options() transcode.Options {
	return transcode.Options{
		Backend:     v.backend,
		Codec:       v.codec,
		Surround51:  v.surround51,
		BitrateKbps: v.bitrateKbps,
	}
}

func splitWildcard(r *http.Request) []string {
	rest := strings.Trim(chi.URLParam(r, "*"), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if s.catalog.FindByNumber(channel) == nil {
		s.writeError(w, relay.ErrChannelNotFound)
		return
	}

	w.Header().Set("Content-Type", contentTypeMPEGTS)
	sw := &streamWriter{w: w}
	if err := s.runner.Stream(r.Context(), channel, sw); err != nil && !sw.wroteHeader {
		s.writeError(w, err)
	}
}

func (s *Server) handleTranscode(w http.ResponseWriter, r *http.Request) {
	parts := splitWildcard(r)
	if len(parts) < 3 {
		s.writeError(w, relay.ErrBadParams)
		return
	}

	channel := parts[len(parts)-1]
	v, err := parseVariant(parts[:len(parts)-1])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.catalog.FindByNumber(channel) == nil {
		s.writeError(w, relay.ErrChannelNotFound)
		return
	}

	opts := v.options()
	opts.Output = transcode.OutputPipe

	w.Header().Set("Content-Type", opts.ContentType())
	sw := &streamWriter{w: w}
	if err := s.runner.Transcode(r.Context(), channel, opts, sw); err != nil && !sw.wroteHeader {
		s.writeError(w, err)
	}
}

// handleHLS dispatches by path shape: exactly two components address a
// session segment, a trailing index.m3u8 addresses a variant playlist.
func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request) {
	parts := splitWildcard(r)
	for _, p := range parts {
		if strings.Contains(p, "..") {
			s.writeError(w, relay.ErrForbidden)
			return
		}
	}

	switch {
	case len(parts) == 2 && parts[1] != "index.m3u8":
		s.handleHLSSegment(w, r, parts[0], parts[1])
	case len(parts) >= 4 && parts[len(parts)-1] == "index.m3u8":
		s.handleHLSPlaylist(w, parts[:len(parts)-1])
	default:
		s.writeError(w, relay.ErrSessionNotFound)
	}
}

func (s *Server) handleHLSSegment(w http.ResponseWriter, r *http.Request, sessionID, filename string) {
	path, err := s.hls.ResolveSegment(sessionID, filename)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleHLSPlaylist(w http.ResponseWriter, parts []string) {
	channel := parts[len(parts)-1]
	v, err := parseVariant(parts[:len(parts)-1])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.catalog.FindByNumber(channel) == nil {
		s.writeError(w, relay.ErrChannelNotFound)
		return
	}

	fp := relay.Fingerprint{
		Channel:     channel,
		Backend:     v.backend,
		Codec:       v.codec,
		Surround51:  v.surround51,
		BitrateKbps: v.bitrateKbps,
	}
	data, _, err := s.hls.ResolvePlaylist(fp)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentTypeHLS)
	w.Write(data)
}

func (s *Server) handlePlainPlaylist(w http.ResponseWriter, r *http.Request) {
	s.writePlaylist(w, func(number string) string {
		return fmt.Sprintf("http://%s/stream/%s", r.Host, number)
	})
}

// handleVariantPlaylist serves /playlist/<params>.m3u for transcode
// variants and /playlist/hls/<params>.m3u for HLS variants.
func (s *Server) handleVariantPlaylist(w http.ResponseWriter, r *http.Request) {
	parts := splitWildcard(r)
	if len(parts) == 0 {
		s.writeError(w, relay.ErrBadParams)
		return
	}
	last := len(parts) - 1
	parts[last] = strings.TrimSuffix(parts[last], ".m3u")

	hls := parts[0] == "hls"
	if hls {
		parts = parts[1:]
	}

	v, err := parseVariant(parts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writePlaylist(w, func(number string) string {
		if hls {
			return fmt.Sprintf("http://%s/hls/%s/%s/index.m3u8", r.Host, v.paramPath(), number)
		}
		return fmt.Sprintf("http://%s/transcode/%s/%s", r.Host, v.paramPath(), number)
	})
}

func (s *Server) writePlaylist(w http.ResponseWriter, url func(number string) string) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, ch := range s.catalog.Channels() {
		fmt.Fprintf(&b, "#EXTINF:-1 tvg-id=%q tvg-name=%q,%s\n", ch.Number, ch.Name, ch.Name)
		b.WriteString(url(ch.Number))
		b.WriteByte('\n')
	}

	w.Header().Set("Content-Type", contentTypeM3U)
	w.Write([]byte(b.String()))
}

func (s *Server) handleXMLTV(w http.ResponseWriter, r *http.Request) {
	data, err := s.renderer.XMLTV(r.Context())
	if err != nil {
		s.logger.Error("rendering xmltv", slog.Any("error", err))
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write(data)
}

func (s *Server) handleGuideJSON(w http.ResponseWriter, r *http.Request) {
	data, err := s.renderer.JSON(r.Context())
	if err != nil {
		s.logger.Error("rendering guide json", slog.Any("error", err))
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":       "ok",
		"version":      version.GetInfo().Version,
		"uptime":       time.Since(s.started).Round(time.Second).String(),
		"channels":     s.catalog.Len(),
		"tuners":       s.pool.Size(),
		"hls_sessions": s.hls.ActiveSessions(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

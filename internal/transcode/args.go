// Package transcode builds FFmpeg argument lists for the streaming and HLS
// pipelines. BuildArgs is a pure function of the requested backend, codec,
// audio layout, bitrate, and output kind.
package transcode

import (
	"fmt"
	"strings"
)

// Backend selects the hardware acceleration path for the encoder.
type Backend int

const (
	BackendSoftware Backend = iota
	BackendQSV
	BackendNVENC
	BackendVAAPI
)

func (b Backend) String() string {
	switch b {
	case BackendSoftware:
		return "software"
	case BackendQSV:
		return "qsv"
	case BackendNVENC:
		return "nvenc"
	case BackendVAAPI:
		return "vaapi"
	default:
		return "invalid"
	}
}

// ParseBackend parses a backend name, case-insensitively.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(s) {
	case "software":
		return BackendSoftware, nil
	case "qsv":
		return BackendQSV, nil
	case "nvenc":
		return BackendNVENC, nil
	case "vaapi":
		return BackendVAAPI, nil
	default:
		return 0, fmt.Errorf("unknown backend %q", s)
	}
}

// Codec selects the target video codec.
type Codec int

const (
	CodecH264 Codec = iota
	CodecHEVC
	CodecAV1
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	case CodecAV1:
		return "av1"
	default:
		return "invalid"
	}
}

// ParseCodec parses a codec name, case-insensitively.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "h264":
		return CodecH264, nil
	case "hevc":
		return CodecHEVC, nil
	case "av1":
		return CodecAV1, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", s)
	}
}

// Output selects where the encoder writes.
type Output int

const (
	// OutputPipe streams the container to stdout.
	OutputPipe Output = iota
	// OutputHLS writes a rolling segment window plus index.m3u8 into a
	// session directory.
	OutputHLS
)

// Options are the inputs to BuildArgs.
type Options struct {
	Backend    Backend
	Codec      Codec
	Surround51 bool
	// BitrateKbps overrides the quality-based rate control when positive.
	BitrateKbps int
	Output      Output
	// Destination is the session directory for OutputHLS; ignored for
	// OutputPipe.
	Destination string
}

// ContentType returns the MIME type of the stream BuildArgs produces for
// OutputPipe.
func (o Options) ContentType() string {
	if o.Codec == CodecAV1 {
		return "video/webm"
	}
	return "video/mp2t"
}

// videoEncoders is the backend x codec encoder matrix.
var videoEncoders = map[Backend]map[Codec]string{
	BackendSoftware: {CodecH264: "libx264", CodecHEVC: "libx265", CodecAV1: "libsvtav1"},
	BackendQSV:      {CodecH264: "h264_qsv", CodecHEVC: "hevc_qsv", CodecAV1: "av1_qsv"},
	BackendNVENC:    {CodecH264: "h264_nvenc", CodecHEVC: "hevc_nvenc", CodecAV1: "av1_nvenc"},
	BackendVAAPI:    {CodecH264: "h264_vaapi", CodecHEVC: "hevc_vaapi", CodecAV1: "av1_vaapi"},
}

// BuildArgs maps the options to the FFmpeg argument list, excluding the
// binary name itself.
func BuildArgs(o Options) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	switch o.Backend {
	case BackendQSV:
		args = append(args, "-hwaccel", "qsv", "-hwaccel_output_format", "qsv")
	case BackendNVENC:
		args = append(args, "-hwaccel", "cuda", "-hwaccel_output_format", "cuda")
	case BackendVAAPI:
		args = append(args,
			"-hwaccel", "vaapi",
			"-hwaccel_device", "/dev/dri/renderD128",
			"-hwaccel_output_format", "vaapi")
	}

	// Robust input handling for over-the-air MPEG-TS.
	args = append(args,
		"-fflags", "+genpts+discardcorrupt+igndts",
		"-err_detect", "ignore_err",
		"-probesize", "5M",
		"-analyzeduration", "5M",
		"-i", "pipe:0")

	// QSV H.264 crashes on interlaced OTA content without a hardware
	// deinterlace stage (2 = bob).
	if o.Backend == BackendQSV && o.Codec == CodecH264 {
		args = append(args, "-vf", "vpp_qsv=deinterlace=2")
	}

	args = append(args, "-c:v", videoEncoders[o.Backend][o.Codec])

	switch o.Backend {
	case BackendSoftware:
		switch o.Codec {
		case CodecH264:
			args = append(args, "-preset", "veryfast", "-crf", "23")
		case CodecHEVC:
			args = append(args, "-preset", "veryfast", "-crf", "28")
		case CodecAV1:
			// SVT-AV1 presets are 0-13; 8 is the fast end.
			args = append(args, "-preset", "8", "-crf", "30")
		}
	case BackendQSV:
		args = append(args, "-preset", "veryfast")
	case BackendNVENC:
		args = append(args, "-preset", "p4")
	}

	if o.BitrateKbps > 0 {
		rate := fmt.Sprintf("%dk", o.BitrateKbps)
		buf := fmt.Sprintf("%dk", 2*o.BitrateKbps)
		args = append(args, "-b:v", rate, "-maxrate", rate, "-bufsize", buf)
	}

	if o.Codec == CodecAV1 {
		if o.Surround51 {
			// Remap 5.1(side) to the standard 5.1 layout; mapping_family 1
			// is required for Opus surround.
			args = append(args,
				"-af", "channelmap=channel_layout=5.1",
				"-c:a", "libopus",
				"-mapping_family", "1",
				"-b:a", "256k")
		} else {
			args = append(args, "-ac", "2", "-c:a", "libopus", "-b:a", "128k")
		}
	} else {
		if o.Surround51 {
			args = append(args,
				"-af", "channelmap=channel_layout=5.1",
				"-c:a", "aac",
				"-b:a", "384k")
		} else {
			args = append(args, "-ac", "2", "-c:a", "aac", "-b:a", "128k")
		}
	}

	switch o.Output {
	case OutputHLS:
		// The hls muxer keeps a short rolling live window and purges
		// segments it drops from the playlist.
		args = append(args,
			"-f", "hls",
			"-hls_time", "2",
			"-hls_list_size", "6",
			"-hls_flags", "delete_segments",
			"-hls_segment_filename", o.Destination+"/seg_%05d.ts",
			o.Destination+"/index.m3u8")
	default:
		if o.Codec == CodecAV1 {
			args = append(args, "-f", "webm")
		} else {
			args = append(args, "-f", "mpegts")
		}
		args = append(args, "pipe:1")
	}

	return args
}

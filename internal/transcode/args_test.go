package transcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{"software", BackendSoftware, false},
		{"QSV", BackendQSV, false},
		{"nvenc", BackendNVENC, false},
		{"Vaapi", BackendVAAPI, false},
		{"cuda", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseBackend(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseCodec(t *testing.T) {
	got, err := ParseCodec("HEVC")
	require.NoError(t, err)
	assert.Equal(t, CodecHEVC, got)

	_, err = ParseCodec("mpeg2")
	assert.Error(t, err)
}

func TestBuildArgsEncoderMatrix(t *testing.T) {
	want := map[Backend]map[Codec]string{
		BackendSoftware: {CodecH264: "libx264", CodecHEVC: "libx265", CodecAV1: "libsvtav1"},
		BackendQSV:      {CodecH264: "h264_qsv", CodecHEVC: "hevc_qsv", CodecAV1: "av1_qsv"},
		BackendNVENC:    {CodecH264: "h264_nvenc", CodecHEVC: "hevc_nvenc", CodecAV1: "av1_nvenc"},
		BackendVAAPI:    {CodecH264: "h264_vaapi", CodecHEVC: "hevc_vaapi", CodecAV1: "av1_vaapi"},
	}

	for backend, codecs := range want {
		for codec, encoder := range codecs {
			args := BuildArgs(Options{Backend: backend, Codec: codec})
			joined := strings.Join(args, " ")
			assert.Contains(t, joined, "-c:v "+encoder,
				"%s/%s", backend, codec)
		}
	}
}

func TestBuildArgsCommonShape(t *testing.T) {
	args := BuildArgs(Options{Backend: BackendSoftware, Codec: CodecH264})
	joined := strings.Join(args, " ")

	assert.True(t, strings.HasPrefix(joined, "-hide_banner -loglevel error"))
	assert.Contains(t, joined, "-fflags +genpts+discardcorrupt+igndts")
	assert.Contains(t, joined, "-err_detect ignore_err")
	assert.Contains(t, joined, "-probesize 5M -analyzeduration 5M")
	assert.Contains(t, joined, "-i pipe:0")
	assert.Contains(t, joined, "-preset veryfast -crf 23")
	assert.Contains(t, joined, "-ac 2 -c:a aac -b:a 128k")
	assert.Contains(t, joined, "-f mpegts")
	assert.Equal(t, "pipe:1", args[len(args)-1])
}

func TestBuildArgsHWAccel(t *testing.T) {
	tests := []struct {
		backend Backend
		want    string
	}{
		{BackendQSV, "-hwaccel qsv -hwaccel_output_format qsv"},
		{BackendNVENC, "-hwaccel cuda -hwaccel_output_format cuda"},
		{BackendVAAPI, "-hwaccel vaapi -hwaccel_device /dev/dri/renderD128 -hwaccel_output_format vaapi"},
	}
	for _, tt := range tests {
		joined := strings.Join(BuildArgs(Options{Backend: tt.backend, Codec: CodecHEVC}), " ")
		assert.Contains(t, joined, tt.want, tt.backend.String())
	}

	software := strings.Join(BuildArgs(Options{Backend: BackendSoftware, Codec: CodecHEVC}), " ")
	assert.NotContains(t, software, "-hwaccel")
}

func TestBuildArgsQSVDeinterlace(t *testing.T) {
	withDeint := strings.Join(BuildArgs(Options{Backend: BackendQSV, Codec: CodecH264}), " ")
	assert.Contains(t, withDeint, "-vf vpp_qsv=deinterlace=2")

	without := strings.Join(BuildArgs(Options{Backend: BackendQSV, Codec: CodecHEVC}), " ")
	assert.NotContains(t, without, "vpp_qsv")
}

func TestBuildArgsBitrateOverride(t *testing.T) {
	joined := strings.Join(BuildArgs(Options{
		Backend: BackendSoftware, Codec: CodecH264, BitrateKbps: 3000,
	}), " ")
	assert.Contains(t, joined, "-b:v 3000k -maxrate 3000k -bufsize 6000k")

	unset := strings.Join(BuildArgs(Options{Backend: BackendSoftware, Codec: CodecH264}), " ")
	assert.NotContains(t, unset, "-b:v")
}

func TestBuildArgsAudio(t *testing.T) {
	av1Surround := strings.Join(BuildArgs(Options{
		Backend: BackendSoftware, Codec: CodecAV1, Surround51: true,
	}), " ")
	assert.Contains(t, av1Surround, "-af channelmap=channel_layout=5.1")
	assert.Contains(t, av1Surround, "-c:a libopus")
	assert.Contains(t, av1Surround, "-mapping_family 1")
	assert.Contains(t, av1Surround, "-b:a 256k")
	assert.Contains(t, av1Surround, "-f webm")

	aacSurround := strings.Join(BuildArgs(Options{
		Backend: BackendSoftware, Codec: CodecH264, Surround51: true,
	}), " ")
	assert.Contains(t, aacSurround, "-c:a aac")
	assert.Contains(t, aacSurround, "-b:a 384k")

	av1Stereo := strings.Join(BuildArgs(Options{Backend: BackendSoftware, Codec: CodecAV1}), " ")
	assert.Contains(t, av1Stereo, "-ac 2 -c:a libopus -b:a 128k")
}

func TestBuildArgsHLSOutput(t *testing.T) {
	args := BuildArgs(Options{
		Backend:     BackendSoftware,
		Codec:       CodecH264,
		Output:      OutputHLS,
		Destination: "/tmp/sessions/abc",
	})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-f hls")
	assert.Contains(t, joined, "-hls_time 2")
	assert.Contains(t, joined, "-hls_list_size 6")
	assert.Contains(t, joined, "-hls_flags delete_segments")
	assert.Contains(t, joined, "-hls_segment_filename /tmp/sessions/abc/seg_%05d.ts")
	assert.Equal(t, "/tmp/sessions/abc/index.m3u8", args[len(args)-1])
	assert.NotContains(t, joined, "pipe:1")
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "video/webm", Options{Codec: CodecAV1}.ContentType())
	assert.Equal(t, "video/mp2t", Options{Codec: CodecH264}.ContentType())
	assert.Equal(t, "video/mp2t", Options{Codec: CodecHEVC}.ContentType())
}

package probe

import (
	"reflect"
	"testing"

	"github.com/branport/shrinkd/internal/media"
)

const hdrSample = `{
	"media": {
		"track": [
			{"@type": "General", "Duration": "7200.5", "OverallBitRate": "50000000", "FileSize": "42949672960", "FrameRate": "23.976"},
			{"@type": "Video", "Format": "HEVC", "Width": "3840", "Height": "2160",
			 "BitDepth": "10", "HDR_Format": "SMPTE ST 2086",
			 "colour_primaries": "BT.2020", "transfer_characteristics": "PQ",
			 "matrix_coefficients": "BT.2020 non-constant"},
			{"@type": "Audio", "Format": "MLP FBA", "Format_Commercial_IfAny": "Dolby TrueHD with Dolby Atmos", "Channels": "8"},
			{"@type": "Audio", "Format": "AC-3", "Channels": "6"}
		]
	}
}`

const sdrSample = `{
	"media": {
		"track": [
			{"@type": "General", "Duration": "2700", "OverallBitRate": "8000000", "FileSize": "2700000000"},
			{"@type": "Video", "Format": "AVC", "Width": "1920", "Height": "1080", "FrameRate": "25.000"},
			{"@type": "Audio", "Format": "AAC", "Channels": "2"}
		]
	}
}`

func TestParseHDRMovie(t *testing.T) {
	res, err := Parse([]byte(hdrSample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if res.Width != 3840 || res.Height != 2160 {
		t.Errorf("resolution = %dx%d", res.Width, res.Height)
	}
	if res.Bitrate != 50_000_000 {
		t.Errorf("bitrate = %d", res.Bitrate)
	}
	if res.Duration != 7200.5 {
		t.Errorf("duration = %.1f", res.Duration)
	}
	if res.FrameRate != 23.976 {
		t.Errorf("frame rate = %.3f", res.FrameRate)
	}
	if res.HDR != media.HDR10 {
		t.Errorf("hdr = %q, want HDR10", res.HDR)
	}
	if !res.Atmos {
		t.Error("atmos not detected")
	}
	if res.MaxAudioChannels != 8 {
		t.Errorf("max audio channels = %d", res.MaxAudioChannels)
	}
	if !reflect.DeepEqual(res.VideoCodecs, []string{"h265"}) {
		t.Errorf("video codecs = %v", res.VideoCodecs)
	}
	if !reflect.DeepEqual(res.AudioCodecs, []string{"truehd", "ac3"}) {
		t.Errorf("audio codecs = %v", res.AudioCodecs)
	}
}

func TestParseSDR(t *testing.T) {
	res, err := Parse([]byte(sdrSample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.HDR != media.HDRNone {
		t.Errorf("hdr = %q, want none", res.HDR)
	}
	if res.Atmos {
		t.Error("atmos detected on stereo AAC")
	}
	if res.MaxAudioChannels != 2 {
		t.Errorf("max audio channels = %d", res.MaxAudioChannels)
	}
}

func TestDetectHDRVariants(t *testing.T) {
	tests := []struct {
		name  string
		track VideoTrack
		want  media.HDRTag
	}{
		{"dolby vision", VideoTrack{HDRFormat: "Dolby Vision, Version 1.0"}, media.DolbyVis},
		{"hdr10 plus", VideoTrack{HDRFormat: "SMPTE ST 2094 App 4, HDR10+ Profile B"}, media.HDR10Plus},
		{"hdr10 via transfer", VideoTrack{TransferCharacteristics: "PQ"}, media.HDR10},
		{"hlg", VideoTrack{TransferCharacteristics: "HLG"}, media.HLG},
		{"bt2020 10bit fallback", VideoTrack{ColourPrimaries: "BT.2020", BitDepth: "10"}, media.HDR10},
		{"sdr", VideoTrack{ColourPrimaries: "BT.709", TransferCharacteristics: "BT.709"}, media.HDRNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectHDR(tt.track); got != tt.want {
				t.Errorf("detectHDR = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseIdempotentApply(t *testing.T) {
	res, err := Parse([]byte(hdrSample))
	if err != nil {
		t.Fatal(err)
	}

	var v media.Video
	res.Apply(&v)
	first := v
	res.Apply(&v)

	if !reflect.DeepEqual(first.AudioCodecs, v.AudioCodecs) ||
		first.Size != v.Size || first.Bitrate != v.Bitrate ||
		first.HDR != v.HDR || first.Atmos != v.Atmos {
		t.Error("applying the same probe twice changed the row")
	}
}

func TestParseBadJSON(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Error("expected parse error")
	}
}

func TestNormalizeCodec(t *testing.T) {
	tests := []struct{ in, want string }{
		{"AVC", "h264"},
		{"HEVC", "h265"},
		{"AV1", "av1"},
		{"E-AC-3", "eac3"},
		{"MLP FBA", "truehd"},
		{"Opus", "opus"},
	}
	for _, tt := range tests {
		if got := normalizeCodec(tt.in); got != tt.want {
			t.Errorf("normalizeCodec(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

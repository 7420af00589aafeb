// Package probe extracts media attributes with MediaInfo. The raw JSON
// document is persisted on the video row; the derived fields feed the queue
// selectors and the rule compiler.
package probe

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/xerrors"
)

// GeneralTrack carries container-level information from MediaInfo.
type GeneralTrack struct {
	Duration       string `json:"Duration"`
	OverallBitRate string `json:"OverallBitRate"`
	FileSize       string `json:"FileSize"`
	FrameRate      string `json:"FrameRate"`
}

// VideoTrack contains video track information from MediaInfo.
type VideoTrack struct {
	Format                  string `json:"Format"`
	Width                   string `json:"Width"`
	Height                  string `json:"Height"`
	Duration                string `json:"Duration"`
	FrameRate               string `json:"FrameRate"`
	BitRate                 string `json:"BitRate"`
	BitDepth                string `json:"BitDepth"`
	HDRFormat               string `json:"HDR_Format"`
	HDRFormatCompatibility  string `json:"HDR_Format_Compatibility"`
	ColourPrimaries         string `json:"colour_primaries"`
	TransferCharacteristics string `json:"transfer_characteristics"`
	MatrixCoefficients      string `json:"matrix_coefficients"`
}

// AudioTrack contains audio track information from MediaInfo.
type AudioTrack struct {
	Format             string `json:"Format"`
	FormatCommercial   string `json:"Format_Commercial_IfAny"`
	AdditionalFeatures string `json:"Format_AdditionalFeatures"`
	Channels           string `json:"Channels"`
	SamplingRate       string `json:"SamplingRate"`
	BitRate            string `json:"BitRate"`
}

// Track represents a MediaInfo track with type information.
type Track struct {
	Type    string `json:"@type"`
	General GeneralTrack
	Video   VideoTrack
	Audio   AudioTrack
}

// UnmarshalJSON dispatches on the track @type.
func (t *Track) UnmarshalJSON(data []byte) error {
	var typeOnly struct {
		Type string `json:"@type"`
	}
	if err := json.Unmarshal(data, &typeOnly); err != nil {
		return err
	}
	t.Type = typeOnly.Type

	switch t.Type {
	case "General":
		return json.Unmarshal(data, &t.General)
	case "Video":
		return json.Unmarshal(data, &t.Video)
	case "Audio":
		return json.Unmarshal(data, &t.Audio)
	}
	return nil
}

// Media contains the track array.
type Media struct {
	Track []Track `json:"track"`
}

// Response is the root MediaInfo document.
type Response struct {
	Media Media `json:"media"`
}

// Result is one probe outcome: the raw document plus fields derived from it.
type Result struct {
	Raw              []byte
	Size             int64
	Bitrate          int64
	Duration         float64
	Width            int
	Height           int
	FrameRate        float64
	MaxAudioChannels int
	AudioCodecs      []string
	VideoCodecs      []string
	HDR              media.HDRTag
	Atmos            bool
}

// Apply writes the derived fields onto a video row. Applying the same
// result twice leaves the row unchanged.
func (r *Result) Apply(v *media.Video) {
	v.Size = r.Size
	v.Bitrate = r.Bitrate
	v.Duration = r.Duration
	v.Width = r.Width
	v.Height = r.Height
	v.FrameRate = r.FrameRate
	v.MaxAudioChannels = r.MaxAudioChannels
	v.AudioCodecs = append([]string(nil), r.AudioCodecs...)
	v.VideoCodecs = append([]string(nil), r.VideoCodecs...)
	v.HDR = r.HDR
	v.Atmos = r.Atmos
	v.MediaInfo = r.Raw
	v.NormalizeBitrate()
}

// Prober runs the mediainfo binary.
type Prober struct {
	command string
}

// New creates a Prober using mediainfo from PATH.
func New() *Prober {
	return &Prober{command: "mediainfo"}
}

// Available checks whether the mediainfo binary can run.
func (p *Prober) Available() bool {
	return exec.Command(p.command, "--Version").Run() == nil
}

// Probe runs mediainfo on the file and derives the pipeline attributes.
func (p *Prober) Probe(ctx context.Context, path string) (*Result, error) {
	cmd := exec.CommandContext(ctx, p.command, "--Output=JSON", path)
	output, err := cmd.Output()
	if err != nil {
		return nil, xerrors.NewCommandError(p.command, "", err)
	}

	res, err := Parse(output)
	if err != nil {
		return nil, err
	}
	// The container header can lie about size; prefer the filesystem.
	if info, statErr := os.Stat(path); statErr == nil {
		res.Size = info.Size()
	}
	return res, nil
}

// Parse derives pipeline attributes from a raw MediaInfo JSON document.
// Pure; the same document always yields the same result.
func Parse(raw []byte) (*Result, error) {
	var doc Response
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.KindProbeParse, "parse mediainfo output", err)
	}

	res := &Result{Raw: raw}

	for _, track := range doc.Media.Track {
		switch track.Type {
		case "General":
			g := track.General
			res.Duration = parseFloat(g.Duration)
			res.Bitrate = parseInt(g.OverallBitRate)
			res.Size = parseInt(g.FileSize)
			res.FrameRate = parseFloat(g.FrameRate)
		case "Video":
			v := track.Video
			res.Width = int(parseInt(v.Width))
			res.Height = int(parseInt(v.Height))
			if res.Duration == 0 {
				res.Duration = parseFloat(v.Duration)
			}
			if res.FrameRate == 0 {
				res.FrameRate = parseFloat(v.FrameRate)
			}
			if codec := normalizeCodec(v.Format); codec != "" {
				res.VideoCodecs = append(res.VideoCodecs, codec)
			}
			if res.HDR == media.HDRNone {
				res.HDR = detectHDR(v)
			}
		case "Audio":
			a := track.Audio
			if codec := normalizeCodec(a.Format); codec != "" {
				res.AudioCodecs = append(res.AudioCodecs, codec)
			}
			if ch := int(parseInt(a.Channels)); ch > res.MaxAudioChannels {
				res.MaxAudioChannels = ch
			}
			if isAtmos(a) {
				res.Atmos = true
			}
		}
	}

	if res.Bitrate < 0 {
		res.Bitrate = 0
	}
	return res, nil
}

// detectHDR maps MediaInfo color metadata onto the HDR tag set. Dolby
// Vision and HDR10+ are declared in HDR_Format; plain HDR10 and HLG fall
// out of the transfer characteristics.
func detectHDR(v VideoTrack) media.HDRTag {
	format := strings.ToLower(v.HDRFormat + " " + v.HDRFormatCompatibility)
	switch {
	case strings.Contains(format, "dolby vision"):
		return media.DolbyVis
	case strings.Contains(format, "hdr10+"), strings.Contains(format, "smpte st 2094"):
		return media.HDR10Plus
	}

	transfer := strings.ToLower(v.TransferCharacteristics)
	switch {
	case strings.Contains(transfer, "pq"), strings.Contains(transfer, "smpte st 2084"), strings.Contains(transfer, "smpte 2084"):
		return media.HDR10
	case strings.Contains(transfer, "hlg"), strings.Contains(transfer, "arib std b67"):
		return media.HLG
	}

	// BT.2020 primaries with 10-bit depth but no declared transfer is
	// still treated as HDR10; some muxers strip the transfer tag.
	if strings.Contains(strings.ToLower(v.ColourPrimaries), "bt.2020") && parseInt(v.BitDepth) >= 10 {
		return media.HDR10
	}
	return media.HDRNone
}

func isAtmos(a AudioTrack) bool {
	if strings.Contains(strings.ToLower(a.FormatCommercial), "atmos") {
		return true
	}
	// E-AC-3 JOC carries Atmos metadata.
	return strings.Contains(strings.ToUpper(a.AdditionalFeatures), "JOC")
}

// normalizeCodec lowers and compacts a MediaInfo format name into the codec
// identifiers the selectors compare against.
func normalizeCodec(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch f {
	case "avc":
		return "h264"
	case "hevc":
		return "h265"
	case "mpeg video":
		return "mpeg2"
	case "e-ac-3":
		return "eac3"
	case "ac-3":
		return "ac3"
	case "mlp fba":
		return "truehd"
	case "dts-hd", "dts-hd ma":
		return "dts-hd"
	}
	return f
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func parseInt(s string) int64 {
	// MediaInfo sometimes emits integers with a fractional tail.
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

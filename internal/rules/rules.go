// Package rules compiles a video record into the argument list for the
// external encoding tool. It is the single authority on that list; no other
// component may add flags.
package rules

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/branport/shrinkd/internal/media"
)

// repeatable flags keep every occurrence during deduplication.
var repeatable = map[string]bool{
	"--svt":     true,
	"--enc":     true,
	"--vfilter": true,
}

// Request carries the inputs to a compilation. Compile is a pure function of
// this value.
type Request struct {
	Video   *media.Video
	Stage   media.Stage
	TempDir string
	// CRF is the quality chosen by the search stage; used by encode only.
	CRF float64
	// Extra is appended last: params remembered from a successful CRF
	// search, or retry overrides such as a preset.
	Extra []string
}

// OutputPath returns the temporary output file the encode stage writes to.
func OutputPath(tmpDir string, videoID int64) string {
	return filepath.Join(tmpDir, fmt.Sprintf("%d.mkv", videoID))
}

// Compile builds the ordered argument list for the given stage. Rules are
// applied in a fixed order; on flag conflicts the first occurrence wins,
// except for repeatable flags which keep every occurrence. The CRF-search
// stage never carries audio flags.
func Compile(req Request) []string {
	v := req.Video
	var args []string

	switch req.Stage {
	case media.StageCRFSearch:
		args = append(args, "crf-search", "--input", v.Path)
	case media.StageEncode:
		args = append(args,
			"encode",
			"--input", v.Path,
			"--output", OutputPath(req.TempDir, v.ID),
			"--crf", formatCRF(req.CRF),
		)
	default:
		return nil
	}

	// Audio streams are copied verbatim; the search stage measures video
	// quality only and never touches audio.
	if req.Stage == media.StageEncode {
		args = append(args, "--acodec", "copy")
	}

	// SVT-AV1 tuning. Dolby Vision handling covers every HDR tag: the
	// encoder path is identical for HDR10/HLG metadata passthrough.
	args = append(args, "--svt", "tune=0")
	if v.HDR != media.HDRNone {
		args = append(args, "--svt", "dolbyvision=1")
	}

	// Downscale anything above 1080p, preserving aspect with even height.
	if v.Height > 1080 {
		args = append(args, "--vfilter", "scale=1920:-2")
	}

	args = append(args, "--pix-format", "yuv420p10le")

	args = append(args, req.Extra...)

	args = dedupe(args)
	if req.Stage == media.StageCRFSearch {
		args = stripAudioFlags(args)
	}
	return args
}

func formatCRF(crf float64) string {
	return strconv.FormatFloat(crf, 'f', -1, 64)
}

// dedupe walks the list once keeping the first occurrence of each --flag and
// its value. Repeatable flags are kept wholesale. Positional tokens (the
// subcommand) pass through untouched.
func dedupe(args []string) []string {
	out := make([]string, 0, len(args))
	seen := make(map[string]bool, len(args))

	for i := 0; i < len(args); i++ {
		tok := args[i]
		if !strings.HasPrefix(tok, "--") {
			out = append(out, tok)
			continue
		}

		value, hasValue := flagValue(args, i)
		if repeatable[tok] {
			out = append(out, tok)
			if hasValue {
				out = append(out, value)
				i++
			}
			continue
		}

		if seen[tok] {
			if hasValue {
				i++
			}
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if hasValue {
			out = append(out, value)
			i++
		}
	}
	return out
}

// flagValue returns the value token following args[i], if any.
func flagValue(args []string, i int) (string, bool) {
	if i+1 >= len(args) {
		return "", false
	}
	next := args[i+1]
	if strings.HasPrefix(next, "--") {
		return "", false
	}
	return next, true
}

// stripAudioFlags removes audio-domain flags that have no business in a
// CRF search: --acodec, and --enc values targeting audio streams.
func stripAudioFlags(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		tok := args[i]
		value, hasValue := flagValue(args, i)

		switch {
		case tok == "--acodec":
			if hasValue {
				i++
			}
			continue
		case tok == "--enc" && hasValue && isAudioEncValue(value):
			i++
			continue
		}

		out = append(out, tok)
		if hasValue && strings.HasPrefix(tok, "--") {
			out = append(out, value)
			i++
		}
	}
	return out
}

func isAudioEncValue(v string) bool {
	return strings.HasPrefix(v, "b:a=") || strings.HasPrefix(v, "ac=")
}

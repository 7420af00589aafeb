package rules

import (
	"reflect"
	"strings"
	"testing"

	"github.com/branport/shrinkd/internal/media"
)

func hdrMovie() *media.Video {
	return &media.Video{
		ID:          7,
		Path:        "/m/a.mkv",
		Size:        40 << 30,
		Height:      2160,
		Width:       3840,
		HDR:         media.HDR10,
		AudioCodecs: []string{"truehd"},
		Bitrate:     50_000_000,
		State:       media.StateNeedsAnalysis,
	}
}

// containsSubsequence reports whether want appears in args in order,
// not necessarily contiguously.
func containsSubsequence(args, want []string) bool {
	i := 0
	for _, a := range args {
		if i < len(want) && a == want[i] {
			i++
		}
	}
	return i == len(want)
}

func TestCompileCRFSearchHDR4K(t *testing.T) {
	args := Compile(Request{Video: hdrMovie(), Stage: media.StageCRFSearch, TempDir: "/tmp/shrinkd"})

	want := []string{
		"crf-search", "--input", "/m/a.mkv",
		"--svt", "tune=0",
		"--svt", "dolbyvision=1",
		"--vfilter", "scale=1920:-2",
		"--pix-format", "yuv420p10le",
	}
	if !containsSubsequence(args, want) {
		t.Errorf("args %v missing subsequence %v", args, want)
	}
	for _, a := range args {
		if a == "--acodec" || a == "--output" || a == "--crf" {
			t.Errorf("crf-search args must not contain %s: %v", a, args)
		}
	}
}

func TestCompileEncode(t *testing.T) {
	args := Compile(Request{
		Video:   hdrMovie(),
		Stage:   media.StageEncode,
		TempDir: "/tmp/shrinkd",
		CRF:     28,
		Extra:   []string{"--preset", "6"},
	})

	want := []string{
		"encode",
		"--input", "/m/a.mkv",
		"--output", "/tmp/shrinkd/7.mkv",
		"--crf", "28",
		"--acodec", "copy",
		"--svt", "tune=0",
		"--svt", "dolbyvision=1",
		"--vfilter", "scale=1920:-2",
		"--pix-format", "yuv420p10le",
		"--preset", "6",
	}
	if !containsSubsequence(args, want) {
		t.Errorf("args %v missing subsequence %v", args, want)
	}
}

func TestCompileIsPure(t *testing.T) {
	req := Request{Video: hdrMovie(), Stage: media.StageEncode, TempDir: "/t", CRF: 24.5, Extra: []string{"--preset", "4"}}
	a := Compile(req)
	b := Compile(req)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("compile is not deterministic: %v vs %v", a, b)
	}
}

func TestExtraParamsCannotOverrideBaseIdentity(t *testing.T) {
	req := Request{
		Video:   hdrMovie(),
		Stage:   media.StageEncode,
		TempDir: "/t",
		CRF:     30,
		Extra:   []string{"--input", "/evil.mkv", "--output", "/evil-out.mkv", "--crf", "63"},
	}
	args := Compile(req)

	if n := count(args, "--input"); n != 1 {
		t.Errorf("--input appears %d times", n)
	}
	if n := count(args, "--output"); n != 1 {
		t.Errorf("--output appears %d times", n)
	}
	if n := count(args, "--crf"); n != 1 {
		t.Errorf("--crf appears %d times", n)
	}
	for i, a := range args {
		if a == "--input" && args[i+1] != "/m/a.mkv" {
			t.Errorf("extra params overrode --input: %s", args[i+1])
		}
		if a == "--crf" && args[i+1] != "30" {
			t.Errorf("extra params overrode --crf: %s", args[i+1])
		}
	}
}

func TestRepeatableFlagsPreserved(t *testing.T) {
	req := Request{
		Video:   hdrMovie(),
		Stage:   media.StageEncode,
		TempDir: "/t",
		CRF:     25,
		Extra:   []string{"--svt", "film-grain=8", "--enc", "threads=4"},
	}
	args := Compile(req)

	// tune=0, dolbyvision=1 and film-grain=8 must all survive.
	if n := count(args, "--svt"); n != 3 {
		t.Errorf("--svt occurrences = %d, want 3: %v", n, args)
	}
	if n := count(args, "--enc"); n != 1 {
		t.Errorf("--enc occurrences = %d, want 1", n)
	}
}

func TestCRFSearchStripsAudioFromExtras(t *testing.T) {
	req := Request{
		Video: hdrMovie(),
		Stage: media.StageCRFSearch,
		Extra: []string{"--acodec", "copy", "--enc", "b:a=128k", "--enc", "ac=2", "--enc", "threads=8"},
	}
	args := Compile(req)

	joined := strings.Join(args, " ")
	if strings.Contains(joined, "--acodec") {
		t.Errorf("audio codec flag leaked into crf-search: %v", args)
	}
	if strings.Contains(joined, "b:a=") || strings.Contains(joined, "ac=2") {
		t.Errorf("audio enc values leaked into crf-search: %v", args)
	}
	if !strings.Contains(joined, "threads=8") {
		t.Errorf("non-audio enc value dropped: %v", args)
	}
}

func TestResolutionBoundary(t *testing.T) {
	tests := []struct {
		height int
		scaled bool
	}{
		{1080, false},
		{1081, true},
		{2160, true},
		{720, false},
	}
	for _, tt := range tests {
		v := hdrMovie()
		v.Height = tt.height
		args := Compile(Request{Video: v, Stage: media.StageCRFSearch})
		got := count(args, "--vfilter") > 0
		if got != tt.scaled {
			t.Errorf("height %d: scale filter = %v, want %v", tt.height, got, tt.scaled)
		}
	}
}

func TestSDRVideoGetsNoDolbyVision(t *testing.T) {
	v := hdrMovie()
	v.HDR = media.HDRNone
	args := Compile(Request{Video: v, Stage: media.StageCRFSearch})
	for i, a := range args {
		if a == "--svt" && args[i+1] == "dolbyvision=1" {
			t.Errorf("SDR video received dolbyvision flag: %v", args)
		}
	}
}

func count(args []string, flag string) int {
	n := 0
	for _, a := range args {
		if a == flag {
			n++
		}
	}
	return n
}

// Package parse turns single lines of external-tool output into typed
// events. The parser is stateless; unmatched lines are dropped by callers
// into the runner's diagnostic buffer.
package parse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Event is a typed observation parsed from one output line.
type Event interface {
	Kind() string
}

// CRFSampleResult is one completed sample from a CRF search.
type CRFSampleResult struct {
	CRF               float64
	Score             float64
	PredictedFilesize int64
	Percent           float64
}

func (CRFSampleResult) Kind() string { return "crf_sample_result" }

// SearchProgress is an in-flight CRF search progress update.
type SearchProgress struct {
	CRF     float64
	Score   float64
	Percent float64
}

func (SearchProgress) Kind() string { return "search_progress" }

// EncodeProgress is an in-flight encode progress update.
type EncodeProgress struct {
	Percent float64
	FPS     float64
	ETA     time.Duration
}

func (EncodeProgress) Kind() string { return "encode_progress" }

// Warning carries a tool-emitted warning reason.
type Warning struct {
	Reason string
}

func (Warning) Kind() string { return "warning" }

// Success marks the tool reporting a successful search outcome.
type Success struct {
	CRF float64
}

func (Success) Kind() string { return "success" }

// fieldParser converts one captured string into a typed value.
type fieldParser func(string) (any, bool)

func parseFloatField(s string) (any, bool) {
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func parseByteSizeField(s string) (any, bool) {
	n, ok := ParseByteSize(s)
	return n, ok
}

func parseDurationField(s string) (any, bool) {
	d, ok := ParseETA(s)
	return d, ok
}

// pattern pairs a compiled regex with per-field parsers and an event builder.
type pattern struct {
	name   string
	re     *regexp.Regexp
	fields map[string]fieldParser
	build  func(map[string]any) Event
}

// The central pattern table. First match wins; order puts the most specific
// grammar first so sample results are never swallowed by progress lines.
var patterns = []pattern{
	{
		name: "crf-sample-result",
		re: regexp.MustCompile(
			`sample \d+.*?crf (?P<crf>[0-9.]+),? VMAF (?P<score>[0-9.]+), predicted full encode size (?P<size>[0-9.]+\s?[KMGT]?i?B?) \((?P<percent>[0-9.]+)%\)`),
		fields: map[string]fieldParser{
			"crf":     parseFloatField,
			"score":   parseFloatField,
			"size":    parseByteSizeField,
			"percent": parseFloatField,
		},
		build: func(f map[string]any) Event {
			return CRFSampleResult{
				CRF:               f["crf"].(float64),
				Score:             f["score"].(float64),
				PredictedFilesize: f["size"].(int64),
				Percent:           f["percent"].(float64),
			}
		},
	},
	{
		name: "success",
		re:   regexp.MustCompile(`crf (?P<crf>[0-9.]+) successful`),
		fields: map[string]fieldParser{
			"crf": parseFloatField,
		},
		build: func(f map[string]any) Event {
			return Success{CRF: f["crf"].(float64)}
		},
	},
	{
		name: "search-progress",
		re:   regexp.MustCompile(`crf (?P<crf>[0-9.]+) VMAF (?P<score>[0-9.]+), progress (?P<percent>[0-9.]+)%`),
		fields: map[string]fieldParser{
			"crf":     parseFloatField,
			"score":   parseFloatField,
			"percent": parseFloatField,
		},
		build: func(f map[string]any) Event {
			return SearchProgress{
				CRF:     f["crf"].(float64),
				Score:   f["score"].(float64),
				Percent: f["percent"].(float64),
			}
		},
	},
	{
		name: "encode-progress",
		re:   regexp.MustCompile(`(?:encoded |Encoding[^0-9]*)?(?P<percent>[0-9.]+)%, (?P<fps>[0-9.]+) fps, eta (?P<eta>[0-9hms.]+)`),
		fields: map[string]fieldParser{
			"percent": parseFloatField,
			"fps":     parseFloatField,
			"eta":     parseDurationField,
		},
		build: func(f map[string]any) Event {
			return EncodeProgress{
				Percent: f["percent"].(float64),
				FPS:     f["fps"].(float64),
				ETA:     f["eta"].(time.Duration),
			}
		},
	},
	{
		name: "warning",
		re:   regexp.MustCompile(`(?i)^\s*warn(?:ing)?[:\]]?\s*(?P<reason>.+)$`),
		fields: map[string]fieldParser{
			"reason": func(s string) (any, bool) { return strings.TrimSpace(s), true },
		},
		build: func(f map[string]any) Event {
			return Warning{Reason: f["reason"].(string)}
		},
	},
}

// Line parses one trimmed output line. The second return is false when no
// pattern matched or a captured field failed to parse.
func Line(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	for _, p := range patterns {
		m := p.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		values := make(map[string]any, len(p.fields))
		ok := true
		for i, name := range p.re.SubexpNames() {
			if name == "" {
				continue
			}
			parser, want := p.fields[name]
			if !want {
				continue
			}
			v, parsed := parser(m[i])
			if !parsed {
				ok = false
				break
			}
			values[name] = v
		}
		if !ok {
			return nil, false
		}
		return p.build(values), true
	}
	return nil, false
}

// ParseETA parses either a Go-style duration ("1h2m3s") or plain seconds
// ("93.5").
func ParseETA(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, true
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	return 0, false
}

var byteSizeRe = regexp.MustCompile(`^([0-9.]+)\s?([KMGT]?i?B?)$`)

// ParseByteSize parses sizes like "1234", "870 MB" or "4.2 GiB" into bytes.
func ParseByteSize(s string) (int64, bool) {
	m := byteSizeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}

	unit := m[2]
	var mult float64
	switch strings.ToUpper(strings.TrimSuffix(strings.TrimSuffix(unit, "B"), "i")) {
	case "":
		mult = 1
	case "K":
		mult = 1000
	case "M":
		mult = 1000 * 1000
	case "G":
		mult = 1000 * 1000 * 1000
	case "T":
		mult = 1000 * 1000 * 1000 * 1000
	default:
		return 0, false
	}
	if strings.Contains(unit, "i") {
		switch {
		case mult == 1000:
			mult = 1024
		case mult == 1000*1000:
			mult = 1024 * 1024
		case mult == 1000*1000*1000:
			mult = 1024 * 1024 * 1024
		case mult == 1000*1000*1000*1000:
			mult = 1024 * 1024 * 1024 * 1024
		}
	}
	return int64(value * mult), true
}

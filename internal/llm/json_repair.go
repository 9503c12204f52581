package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// RepairStats tracks what RepairJSON had to do.
type RepairStats struct {
	OriginalBytes int           `json:"original_bytes"`
	RepairedBytes int           `json:"repaired_bytes"`
	Strategies    []string      `json:"strategies"`
	RepairTime    time.Duration `json:"repair_time"`
	WasRepaired   bool          `json:"was_repaired"`
}

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON returns the JSON payload of a model reply: the content of a
// code fence when present, otherwise the text from the first brace or
// bracket to the last matching one.
func ExtractJSON(raw string) string {
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return ""
	}
	end := strings.LastIndexAny(raw, "}]")
	if end < start {
		return strings.TrimSpace(raw[start:])
	}
	return strings.TrimSpace(raw[start : end+1])
}

// RepairJSON returns raw as valid JSON. Cheap fixes run first; the
// jsonrepair library handles the rest.
func RepairJSON(raw string) (string, RepairStats, error) {
	start := time.Now()
	stats := RepairStats{OriginalBytes: len(raw)}
	done := func(s string) RepairStats {
		stats.RepairedBytes = len(s)
		stats.RepairTime = time.Since(start)
		return stats
	}

	if json.Valid([]byte(raw)) {
		return raw, done(raw), nil
	}
	stats.WasRepaired = true
	repaired := raw

	if trailingCommaRe.MatchString(repaired) {
		repaired = trailingCommaRe.ReplaceAllString(repaired, "$1")
		stats.Strategies = append(stats.Strategies, "trailing_commas")
		if json.Valid([]byte(repaired)) {
			return repaired, done(repaired), nil
		}
	}

	fixed, err := jsonrepair.JSONRepair(repaired)
	if err == nil {
		stats.Strategies = append(stats.Strategies, "jsonrepair_library")
		if json.Valid([]byte(fixed)) {
			return fixed, done(fixed), nil
		}
	}
	return repaired, done(repaired), fmt.Errorf("JSON repair failed after %d strategies", len(stats.Strategies))
}

// DecodeJSON extracts, repairs and unmarshals a model reply into target.
func DecodeJSON(raw string, target interface{}) (RepairStats, error) {
	payload := ExtractJSON(raw)
	if payload == "" {
		return RepairStats{}, fmt.Errorf("no JSON found in response")
	}
	repaired, stats, err := RepairJSON(payload)
	if err != nil {
		return stats, err
	}
	if err := json.Unmarshal([]byte(repaired), target); err != nil {
		return stats, fmt.Errorf("decode repaired JSON: %w", err)
	}
	return stats, nil
}

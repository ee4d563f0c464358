package vlm

import (
	"encoding/json"
	"regexp"
	"strings"

	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
)

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseJSON runs the force_json post-processing pipeline: a strict
// json.Unmarshal first, then a fenced-code-block extraction, then a greedy
// brace scan, in that order, returning a VLMParseError only once all three
// have failed.
func ParseJSON(raw string, out any) error {
	trimmed := strings.TrimSpace(raw)

	if err := json.Unmarshal([]byte(trimmed), out); err == nil {
		return nil
	}

	if m := fencedBlockPattern.FindStringSubmatch(trimmed); m != nil {
		if err := json.Unmarshal([]byte(m[1]), out); err == nil {
			return nil
		}
	}

	if candidate, ok := greedyBraceScan(trimmed); ok {
		if err := json.Unmarshal([]byte(candidate), out); err == nil {
			return nil
		}
	}

	return &domainerrors.VLMParseError{Raw: raw, Cause: errNoParseableJSON}
}

var errNoParseableJSON = parseSentinel("no parseable json found in response")

type parseSentinel string

func (e parseSentinel) Error() string { return string(e) }

// greedyBraceScan returns the substring between the first '{' and the
// matching last '}' in the string, tolerating leading/trailing prose the
// VLM sometimes wraps its JSON in despite instructions.
func greedyBraceScan(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

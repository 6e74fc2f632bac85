package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps each section to its valid keys.
var knownKeys = map[string][]string{
	"api":     {"base_url", "token_url", "credentials_path", "ledger_path"},
	"network": {"connect_timeout", "call_timeout", "response_header_timeout", "user_agent", "insecure_skip_verify"},
	"retry":   {"refresh_tries", "transfer_tries", "request_tries", "base_delay", "max_delay"},
	"logging": {"log_level", "log_format"},
	"metrics": {"textfile"},
}

// knownSections is the sorted section list. Sorted for deterministic
// suggestions when two candidates have the same edit distance.
var knownSections = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		errs = append(errs, unknownKeyError(key))
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key. A key in a known section is
// matched against that section's keys; anything else against the sections.
func unknownKeyError(key toml.Key) error {
	if len(key) >= 2 {
		if fields, ok := knownKeys[key[0]]; ok {
			candidates := slices.Sorted(slices.Values(fields))
			if s := closestMatch(key[1], candidates); s != "" {
				return fmt.Errorf("unknown config key %q in [%s]: did you mean %q?", key[1], key[0], s)
			}

			return fmt.Errorf("unknown config key %q in [%s]", key[1], key[0])
		}
	}

	name := strings.Join(key, ".")

	if s := closestMatch(key[0], knownSections); s != "" {
		return fmt.Errorf("unknown config key %q: did you mean [%s]?", name, s)
	}

	return fmt.Errorf("unknown config key %q", name)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

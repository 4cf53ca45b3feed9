package acs

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/cantonwatch/acs-indexer/pkg/decimal"
)

// knownAmountPaths are checked before the generic walk. The second entry
// covers locked holdings, whose payload embeds the amulet it locks.
var knownAmountPaths = []string{
	"amount.initialAmount",
	"amulet.amount.initialAmount",
}

var (
	// decimal-looking string values; anything else is not summed
	decimalPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

	// keys that carry identifiers, hashes or parties rather than amounts
	denyKeyPattern = regexp.MustCompile(`(?i)(^|_)(id|ids|cid|hash|digest|key|party|parties|owner|provider|user|sender|receiver|dso|validator|operator|signatories|observers)$|Id$|Cid$|Hash$|Party$`)

	// keys whose short string values are enumerable states worth tallying
	statusKeyPattern = regexp.MustCompile(`(?i)(^|_)(status|state|phase)$|Status$|State$|Phase$`)
)

// maxStatusValueLen bounds what counts as an enumerable status value.
const maxStatusValueLen = 40

// PayloadFields is the result of inspecting one contract payload.
type PayloadFields struct {
	// Sums maps discovered field names to their decimal values.
	Sums map[string]decimal.Decimal
	// Statuses maps "field:value" to an occurrence (always 1 per payload).
	Statuses []string
	// PrimaryAmount is the first known amount path that resolved, Zero if
	// none did.
	PrimaryAmount decimal.Decimal
	// Locked reports whether the primary amount came from an embedded
	// amulet path (a locked holding).
	Locked bool
}

// InspectPayload extracts numeric and status fields from a contract's create
// arguments. Known field paths are tried first; the fallback walk discovers
// decimal-looking strings on non-identifier keys. Contract schemas vary by
// template and there is no schema registry, so discovery has to be generic.
func InspectPayload(raw json.RawMessage) PayloadFields {
	out := PayloadFields{Sums: make(map[string]decimal.Decimal)}
	if len(raw) == 0 {
		return out
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return out
	}

	primaryFound := false
	for _, path := range knownAmountPaths {
		if v, ok := lookupPath(payload, path); ok {
			if s, ok := v.(string); ok && decimalPattern.MatchString(s) {
				amount := decimal.ParseOrZero(s)
				out.Sums[path] = out.Sums[path].Plus(amount)
				if !primaryFound {
					primaryFound = true
					out.PrimaryAmount = amount
					out.Locked = strings.HasPrefix(path, "amulet.")
				}
			}
		}
	}

	walkValue("", payload, &out)
	return out
}

// lookupPath resolves a dot-separated path through nested maps.
func lookupPath(v any, path string) (any, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// walkValue recursively visits a generic JSON tree (string | number | map |
// list) and accumulates decimal-looking values and status tallies.
func walkValue(key string, v any, out *PayloadFields) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			walkValue(k, child, out)
		}
	case []any:
		for _, child := range val {
			walkValue(key, child, out)
		}
	case string:
		if key == "" {
			return
		}
		if decimalPattern.MatchString(val) {
			if !denyKeyPattern.MatchString(key) {
				out.Sums[key] = out.Sums[key].Plus(decimal.ParseOrZero(val))
			}
			return
		}
		if statusKeyPattern.MatchString(key) && len(val) <= maxStatusValueLen {
			out.Statuses = append(out.Statuses, key+":"+val)
		}
	}
}

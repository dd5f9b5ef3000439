// Package protocol implements the textual iClock push protocol: parsing the
// semi-structured lines terminals POST, and resolving which physical device
// a given request belongs to.
package protocol

import (
	"regexp"
	"strings"

	"github.com/essl-labs/attendgate/internal/attend/types"
)

// LineKind discriminates ParseLine results.
type LineKind int

const (
	LineUnrecognized LineKind = iota
	LineEvent
	LineIdentity
)

// EventCandidate is a parsed attendance line before it has been attributed
// to a device and deduplicated.
type EventCandidate struct {
	UserID       string
	Timestamp    string
	StatusCode   string
	Verification string
	WorkCode     string
	RawLine      string
}

// IdentityFact is a KEY=VALUE line carrying a device identity.
type IdentityFact struct {
	Key   string
	Value string
}

// ParsedLine is the result of parsing one raw protocol line. Exactly one of
// Event/Identity is meaningful, selected by Kind.
type ParsedLine struct {
	Kind     LineKind
	Event    EventCandidate
	Identity IdentityFact
}

// identityKeys are the KEY=VALUE keys (case-insensitive) that carry a
// device identity on the wire.
var identityKeys = map[string]struct{}{
	"sn":           {},
	"serialnumber": {},
	"deviceid":     {},
}

var yearPattern = regexp.MustCompile(`\d{4}`)

// ParseLine classifies one raw protocol line. It is total: garbage input
// yields LineUnrecognized, never an error — the device stream must keep
// flowing amid garbage.
func ParseLine(line string) ParsedLine {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ParsedLine{Kind: LineUnrecognized}
	}

	if k, v, ok := splitAssignment(trimmed); ok {
		if _, known := identityKeys[strings.ToLower(k)]; known && v != "" {
			return ParsedLine{
				Kind:     LineIdentity,
				Identity: IdentityFact{Key: k, Value: v},
			}
		}
	}

	if strings.Count(line, "\t") >= 2 {
		fields := strings.Split(line, "\t")
		if len(fields) >= 3 && looksLikeTimestamp(fields[1]) {
			c := EventCandidate{
				UserID:     strings.TrimSpace(fields[0]),
				Timestamp:  normalizeTimestamp(strings.TrimSpace(fields[1])),
				StatusCode: strings.TrimSpace(fields[2]),
				RawLine:    line,
			}
			if len(fields) > 3 {
				c.Verification = strings.TrimSpace(fields[3])
			}
			if len(fields) > 4 {
				c.WorkCode = strings.TrimSpace(fields[4])
			}
			return ParsedLine{Kind: LineEvent, Event: c}
		}
	}

	return ParsedLine{Kind: LineUnrecognized}
}

// splitAssignment splits "KEY=VALUE" into its parts. Only the first '=' is
// significant; values may themselves contain '='.
func splitAssignment(s string) (key, value string, ok bool) {
	i := strings.Index(s, "=")
	if i <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:]), true
}

// looksLikeTimestamp applies the protocol's loose date-time heuristic: at
// least 10 characters and a 4-digit year somewhere in the field. The
// device's own format is authoritative, so nothing stricter is assumed.
func looksLikeTimestamp(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) >= 10 && yearPattern.MatchString(s)
}

// normalizeTimestamp replaces the first space separating date and time with
// 'T'. No further reformatting: locale layout stays as the device sent it.
func normalizeTimestamp(s string) string {
	return strings.Replace(s, " ", "T", 1)
}

// Status returns the candidate's mapped status category.
func (c EventCandidate) Status() types.Status {
	return types.StatusFromCode(c.StatusCode)
}

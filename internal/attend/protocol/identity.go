package protocol

import (
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Strategy names which identification strategy produced a device ID.
type Strategy string

const (
	StrategyQuery      Strategy = "query"
	StrategyBodyFact   Strategy = "body_fact"
	StrategyBodyScan   Strategy = "body_scan"
	StrategyHeader     Strategy = "header"
	StrategyIPFallback Strategy = "ip_fallback"
)

// IdentityHeader is the vendor header some firmware revisions stamp on
// requests in place of the SN query parameter.
const IdentityHeader = "X-Device-SN"

// Resolution is the outcome of identifying a device. Fallback reports
// whether the synthesized IP key was used, which operators want surfaced.
type Resolution struct {
	DeviceID string
	Strategy Strategy
	Fallback bool
}

// snScanPattern finds an SN=<token> assignment anywhere in a malformed
// body, without assuming tab or newline boundaries.
var snScanPattern = regexp.MustCompile(`(?i)\bSN=([A-Za-z0-9_-]+)`)

// Resolve determines which device a request belongs to. It never fails:
// the priority-ordered strategies end in an IP-derived key, so a usable
// device ID always comes back.
//
// A device first seen under its IP key and later under its true serial
// number is tracked as two registry entries; no merge is attempted.
func Resolve(query url.Values, header http.Header, body, remoteAddr string) Resolution {
	if sn := strings.TrimSpace(query.Get("SN")); sn != "" {
		return Resolution{DeviceID: sn, Strategy: StrategyQuery}
	}

	for _, line := range strings.Split(body, "\n") {
		if p := ParseLine(line); p.Kind == LineIdentity {
			return Resolution{DeviceID: p.Identity.Value, Strategy: StrategyBodyFact}
		}
	}

	if m := snScanPattern.FindStringSubmatch(body); m != nil {
		return Resolution{DeviceID: m[1], Strategy: StrategyBodyScan}
	}

	if sn := strings.TrimSpace(header.Get(IdentityHeader)); sn != "" {
		return Resolution{DeviceID: sn, Strategy: StrategyHeader}
	}

	return Resolution{
		DeviceID: SynthesizeIPKey(remoteAddr),
		Strategy: StrategyIPFallback,
		Fallback: true,
	}
}

// SynthesizeIPKey derives a stable device key from a request's source
// address: "IP-" plus the host with separator characters dashed.
func SynthesizeIPKey(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.NewReplacer(".", "-", ":", "-").Replace(host)
	if host == "" {
		host = "unknown"
	}
	return "IP-" + host
}

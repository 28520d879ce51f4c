// Package hel implements the Host Egress List policy engine and the
// pinned HTTPS forwarder behind it.
package hel

import (
	"context"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"github.com/Maverick0351a/signet-protocol/pkg/models"
)

// Deny reason codes surfaced in receipts.
const (
	ReasonOK               = "ok"
	ReasonMissingScheme    = "forward_url_missing_scheme"
	ReasonSchemeNotHTTPS   = "scheme_not_https"
	ReasonHostMissing      = "host_missing"
	ReasonHostNotAllowed   = "host_not_allowlisted"
	ReasonIDNInvalid       = "idn_invalid"
	ReasonResolutionFailed = "resolution_failed"
	ReasonPrivateIP        = "private_ip"
	ReasonMetadataIP       = "metadata_ip"
)

// Resolver is the DNS dependency; *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Engine evaluates forward URLs against tenant and global allowlists and
// resolves the target to a pinned public address.
type Engine struct {
	Global   []string
	Resolver Resolver
}

func NewEngine(global []string) *Engine {
	return &Engine{Global: normalizeAllowlist(global), Resolver: net.DefaultResolver}
}

// Evaluate runs the full HEL check. On allow, the result carries the host
// (A-label form) and the selected public address for pinning.
func (e *Engine) Evaluate(ctx context.Context, rawURL string, tenantAllow []string) models.PolicyResult {
	deny := func(reason string, host string) models.PolicyResult {
		return models.PolicyResult{Engine: "HEL", Allowed: false, Reason: reason, Host: host}
	}

	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" {
		return deny(ReasonMissingScheme, "")
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return deny(ReasonSchemeNotHTTPS, "")
	}
	host := parsed.Hostname()
	if host == "" {
		return deny(ReasonHostMissing, "")
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return deny(ReasonIDNInvalid, host)
	}
	ascii = strings.ToLower(ascii)

	if !hostAllowed(ascii, normalizeAllowlist(tenantAllow)) && !hostAllowed(ascii, e.Global) {
		return deny(ReasonHostNotAllowed, ascii)
	}

	resolver := e.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, ascii)
	if err != nil || len(addrs) == 0 {
		return deny(ReasonResolutionFailed, ascii)
	}

	sawMetadata := false
	for _, addr := range addrs {
		if isMetadataIP(addr.IP) {
			sawMetadata = true
			continue
		}
		if isPubliclyRoutable(addr.IP) {
			return models.PolicyResult{
				Engine:   "HEL",
				Allowed:  true,
				Reason:   ReasonOK,
				Host:     ascii,
				PinnedIP: addr.IP.String(),
			}
		}
	}
	if sawMetadata {
		return deny(ReasonMetadataIP, ascii)
	}
	return deny(ReasonPrivateIP, ascii)
}

func normalizeAllowlist(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// hostAllowed applies exact matching plus single-label wildcards:
// "*.example.com" matches "a.example.com" but neither "example.com" nor
// "a.b.example.com".
func hostAllowed(host string, allowlist []string) bool {
	for _, entry := range allowlist {
		if strings.HasPrefix(entry, "*.") {
			apex := entry[2:]
			if apex == "" {
				continue
			}
			rest, ok := strings.CutSuffix(host, "."+apex)
			if ok && rest != "" && !strings.Contains(rest, ".") {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

var (
	cgnatV4      = mustCIDR("100.64.0.0/10")
	benchmarkV4  = mustCIDR("198.18.0.0/15")
	uniqueLocal6 = mustCIDR("fc00::/7")
)

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// isPubliclyRoutable rejects every address class an egress request must
// never reach: loopback, RFC 1918 / unique-local, link-local, multicast,
// broadcast, unspecified, carrier-grade NAT and benchmark ranges.
func isPubliclyRoutable(ip net.IP) bool {
	switch {
	case ip == nil,
		ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified():
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		if v4.Equal(net.IPv4bcast) {
			return false
		}
		if cgnatV4.Contains(v4) || benchmarkV4.Contains(v4) {
			return false
		}
	} else if uniqueLocal6.Contains(ip) {
		return false
	}
	return true
}

// isMetadataIP flags the well-known cloud instance-metadata endpoints.
func isMetadataIP(ip net.IP) bool {
	return ip.Equal(net.ParseIP("169.254.169.254")) || ip.Equal(net.ParseIP("fd00:ec2::254"))
}

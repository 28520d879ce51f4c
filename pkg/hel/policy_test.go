package hel

import (
	"context"
	"errors"
	"net"
	"testing"
)

type fakeResolver struct {
	addrs map[string][]string
	err   error
}

func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if f.err != nil {
		return nil, f.err
	}
	raw, ok := f.addrs[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	out := make([]net.IPAddr, 0, len(raw))
	for _, s := range raw {
		out = append(out, net.IPAddr{IP: net.ParseIP(s)})
	}
	return out, nil
}

func engineWith(addrs map[string][]string, global ...string) *Engine {
	e := NewEngine(global)
	e.Resolver = &fakeResolver{addrs: addrs}
	return e
}

func TestEvaluateAllowsPublicAllowlistedHost(t *testing.T) {
	e := engineWith(map[string][]string{"hooks.partner.com": {"93.184.216.34"}})
	res := e.Evaluate(context.Background(), "https://hooks.partner.com/in", []string{"*.partner.com"})
	if !res.Allowed {
		t.Fatalf("expected allow, got %s", res.Reason)
	}
	if res.PinnedIP != "93.184.216.34" {
		t.Fatalf("pinned ip = %s", res.PinnedIP)
	}
	if res.Host != "hooks.partner.com" {
		t.Fatalf("host = %s", res.Host)
	}
}

func TestEvaluateRejectsNonHTTPS(t *testing.T) {
	e := engineWith(nil)
	res := e.Evaluate(context.Background(), "http://hooks.partner.com", []string{"hooks.partner.com"})
	if res.Allowed || res.Reason != ReasonSchemeNotHTTPS {
		t.Fatalf("got %+v", res)
	}
	res = e.Evaluate(context.Background(), "hooks.partner.com/path", nil)
	if res.Allowed || res.Reason != ReasonMissingScheme {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateHostNotAllowlisted(t *testing.T) {
	e := engineWith(map[string][]string{"attacker.example.org": {"93.184.216.34"}})
	res := e.Evaluate(context.Background(), "https://attacker.example.org/hook", []string{"*.partner.com"})
	if res.Allowed || res.Reason != ReasonHostNotAllowed {
		t.Fatalf("got %+v", res)
	}
}

func TestWildcardMatchesSingleLabelOnly(t *testing.T) {
	allow := []string{"*.example.com"}
	cases := []struct {
		host string
		want bool
	}{
		{"a.example.com", true},
		{"example.com", false},
		{"a.b.example.com", false},
		{"aexample.com", false},
	}
	for _, tc := range cases {
		if got := hostAllowed(tc.host, allow); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.host, got, tc.want)
		}
	}
}

func TestGlobalAllowlistUnion(t *testing.T) {
	e := engineWith(map[string][]string{"api.openai.com": {"104.18.7.192"}}, "api.openai.com")
	res := e.Evaluate(context.Background(), "https://api.openai.com/v1", nil)
	if !res.Allowed {
		t.Fatalf("expected global allowlist to admit host: %+v", res)
	}
}

func TestEvaluateDeniesPrivateResolution(t *testing.T) {
	cases := []struct {
		name string
		ips  []string
	}{
		{"rfc1918", []string{"10.0.0.5"}},
		{"loopback", []string{"127.0.0.1"}},
		{"linklocal", []string{"169.254.10.10"}},
		{"cgnat", []string{"100.64.1.1"}},
		{"multicast", []string{"224.0.0.1"}},
		{"unspecified", []string{"0.0.0.0"}},
		{"ula6", []string{"fd12::1"}},
	}
	for _, tc := range cases {
		e := engineWith(map[string][]string{"internal.partner.com": tc.ips})
		res := e.Evaluate(context.Background(), "https://internal.partner.com", []string{"*.partner.com"})
		if res.Allowed || res.Reason != ReasonPrivateIP {
			t.Fatalf("%s: got %+v", tc.name, res)
		}
	}
}

func TestEvaluateDeniesMetadataAddress(t *testing.T) {
	e := engineWith(map[string][]string{"meta.partner.com": {"169.254.169.254"}})
	res := e.Evaluate(context.Background(), "https://meta.partner.com", []string{"*.partner.com"})
	if res.Allowed || res.Reason != ReasonMetadataIP {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateSkipsPrivateAndPinsPublic(t *testing.T) {
	e := engineWith(map[string][]string{"mixed.partner.com": {"10.0.0.5", "93.184.216.34"}})
	res := e.Evaluate(context.Background(), "https://mixed.partner.com", []string{"*.partner.com"})
	if !res.Allowed {
		t.Fatalf("expected allow, got %s", res.Reason)
	}
	if res.PinnedIP != "93.184.216.34" {
		t.Fatalf("pinned ip = %s", res.PinnedIP)
	}
}

func TestEvaluateResolutionFailure(t *testing.T) {
	e := NewEngine(nil)
	e.Resolver = &fakeResolver{err: errors.New("dns down")}
	res := e.Evaluate(context.Background(), "https://hooks.partner.com", []string{"hooks.partner.com"})
	if res.Allowed || res.Reason != ReasonResolutionFailed {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateNormalizesIDNHost(t *testing.T) {
	e := engineWith(map[string][]string{"xn--bcher-kva.partner.com": {"93.184.216.34"}})
	res := e.Evaluate(context.Background(), "https://bücher.partner.com/x", []string{"*.partner.com"})
	if !res.Allowed {
		t.Fatalf("expected allow, got %+v", res)
	}
	if res.Host != "xn--bcher-kva.partner.com" {
		t.Fatalf("host not A-label: %s", res.Host)
	}
}

func TestIsPubliclyRoutable(t *testing.T) {
	if isPubliclyRoutable(net.ParseIP("255.255.255.255")) {
		t.Fatal("broadcast must not be routable")
	}
	if isPubliclyRoutable(net.ParseIP("198.18.0.1")) {
		t.Fatal("benchmark range must not be routable")
	}
	if !isPubliclyRoutable(net.ParseIP("2606:4700::1111")) {
		t.Fatal("public v6 must be routable")
	}
}

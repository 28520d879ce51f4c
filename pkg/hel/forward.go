package hel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Maverick0351a/signet-protocol/pkg/models"
)

// Forward error reason codes recorded in the receipt's forwarded block.
const (
	ForwardErrTimeout  = "timeout"
	ForwardErrRedirect = "redirect_refused"
	ForwardErrTooLarge = "response_too_large"
	ForwardErrTLS      = "tls"
	ForwardErrConnect  = "connect"
)

var errRedirectRefused = errors.New("hel: redirect refused")

// Forwarder performs the post-policy HTTPS request with the TCP peer fixed
// to the address HEL selected. TLS SNI and certificate verification still
// use the original host name, and redirects are never followed.
type Forwarder struct {
	Timeout         time.Duration
	MaxResponseSize int64
	// RootCAs overrides the system trust store (private CAs, tests).
	RootCAs *x509.CertPool
}

func NewForwarder(timeout time.Duration, maxResponseSize int64) *Forwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxResponseSize <= 0 {
		maxResponseSize = 1 << 20
	}
	return &Forwarder{Timeout: timeout, MaxResponseSize: maxResponseSize}
}

// Forward posts body (canonical JSON) to rawURL with the connection pinned
// to pinnedIP. The response body is drained up to the size cap and
// discarded; only its length is reported.
func (f *Forwarder) Forward(ctx context.Context, rawURL, host, pinnedIP string, traceID string, body []byte) models.ForwardResult {
	result := models.ForwardResult{URL: rawURL, Host: host, PinnedIP: pinnedIP}

	port := "443"
	if u, err := urlPort(rawURL); err == nil && u != "" {
		port = u
	}
	pinned := net.JoinHostPort(pinnedIP, port)

	dialer := &net.Dialer{Timeout: f.Timeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, pinned)
		},
		TLSClientConfig:   &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12, RootCAs: f.RootCAs},
		DisableKeepAlives: true,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   f.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return errRedirectRefused
		},
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(string(body)))
	if err != nil {
		result.Error = ForwardErrConnect
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Signet-Protocol/1.0")
	req.Header.Set("X-SIGNET-Trace", traceID)

	resp, err := client.Do(req)
	if err != nil {
		result.Error = classifyForwardError(err)
		return result
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, f.MaxResponseSize+1))
	if err != nil {
		result.Error = classifyForwardError(err)
		return result
	}
	if n > f.MaxResponseSize {
		result.Error = ForwardErrTooLarge
		return result
	}
	result.StatusCode = resp.StatusCode
	result.ResponseSize = int(n)
	return result
}

func urlPort(rawURL string) (string, error) {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return "", errors.New("no scheme")
	}
	rest := rawURL[idx+3:]
	if cut := strings.IndexAny(rest, "/?#"); cut >= 0 {
		rest = rest[:cut]
	}
	_, port, err := net.SplitHostPort(rest)
	if err != nil {
		return "", nil
	}
	return port, nil
}

func classifyForwardError(err error) string {
	switch {
	case errors.Is(err, errRedirectRefused):
		return ForwardErrRedirect
	case errors.Is(err, context.DeadlineExceeded):
		return ForwardErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ForwardErrTimeout
	}
	var certErr *tls.CertificateVerificationError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &recordErr) {
		return ForwardErrTLS
	}
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:") {
		return ForwardErrTLS
	}
	if strings.Contains(err.Error(), errRedirectRefused.Error()) {
		return ForwardErrRedirect
	}
	return ForwardErrConnect
}

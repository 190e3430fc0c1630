// Package httpclient provides the outbound HTTP client used for generation
// APIs. Base URLs come from configuration, so the client refuses to reach
// loopback, private and link-local hosts unless explicitly allowed.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
)

// ErrBlocked marks a request refused by the host policy
var ErrBlocked = errors.New("request blocked by host policy")

// Options customizes a SaferClient
type Options struct {
	// AllowPrivateHosts permits loopback and private networks, for self-hosted
	// gateways and tests
	AllowPrivateHosts bool
	// MaxRedirects defaults to 10
	MaxRedirects int
	// AllowedSchemes defaults to http and https
	AllowedSchemes []string
}

// SaferClient is an http.Client that validates every request and redirect
// target and, when private hosts are blocked, every resolved address.
type SaferClient struct {
	*http.Client
	opts Options
}

// New creates a client with the given overall request timeout
func New(timeout time.Duration, opts Options) *SaferClient {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	if len(opts.AllowedSchemes) == 0 {
		opts.AllowedSchemes = []string{"http", "https"}
	}

	c := &SaferClient{Client: &http.Client{Timeout: timeout}, opts: opts}
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.opts.MaxRedirects {
			return errors.Newf("stopped after %d redirects", c.opts.MaxRedirects)
		}
		if err := c.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if !opts.AllowPrivateHosts {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			// Checked at dial time as well so DNS rebinding cannot slip past validateURL
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range ips {
					if IsPrivateIP(ip) {
						return nil, errors.Mark(errors.Newf("private address %s for host %s", ip, host), ErrBlocked)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	return c
}

// Do validates req's URL before sending it
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

// ValidateURL parses and checks rawURL against the client's policy
func (c *SaferClient) ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *SaferClient) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(c.opts.AllowedSchemes, scheme) {
		return errors.Mark(errors.Newf("scheme %q not allowed", scheme), ErrBlocked)
	}
	if u.User != nil {
		return errors.Mark(errors.New("URL carries credentials"), ErrBlocked)
	}
	host := u.Hostname()
	if host == "" {
		return errors.Mark(errors.New("URL missing hostname"), ErrBlocked)
	}
	if c.opts.AllowPrivateHosts {
		return nil
	}
	if isLocalhost(host) {
		return errors.Mark(errors.Newf("localhost %s", host), ErrBlocked)
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return errors.Mark(errors.Newf("private address %s", host), ErrBlocked)
	}
	return nil
}

var privateBlocks = mustCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"fc00::/7",
	"fec0::/10",
	"2001:db8::/32",
)

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, s := range cidrs {
		_, block, err := net.ParseCIDR(s)
		if err != nil {
			panic(err)
		}
		out = append(out, block)
	}
	return out
}

// IsPrivateIP reports loopback, private, link-local, multicast, unspecified
// and reserved addresses. IPv4-mapped IPv6 is judged by its IPv4 part.
func IsPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

func isLocalhost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}

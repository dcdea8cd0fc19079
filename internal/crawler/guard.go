package crawler

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/archonhq/archon/internal/archerr"
)

// allowPrivateHosts disables the address checks; set only by tests that
// fetch from local listeners.
var allowPrivateHosts = false

// ValidateURL enforces the SSRF guard: only http/https schemes, and the host
// must not resolve to loopback, link-local, private (RFC1918) or unspecified
// addresses.
func ValidateURL(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, archerr.Wrap(archerr.KindValidation, err, "parse url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, archerr.New(archerr.KindValidation, "unsupported scheme %q", u.Scheme)
	}
	if allowPrivateHosts {
		return u, nil
	}
	host := u.Hostname()
	if host == "" {
		return nil, archerr.New(archerr.KindValidation, "url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return nil, archerr.New(archerr.KindValidation, "refusing to fetch localhost")
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := checkIP(ip); err != nil {
			return nil, err
		}
		return u, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, archerr.Wrap(archerr.KindValidation, err, "resolve %s", host)
	}
	for _, addr := range addrs {
		if err := checkIP(addr.IP); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return archerr.New(archerr.KindValidation, "refusing to fetch loopback address %s", ip)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return archerr.New(archerr.KindValidation, "refusing to fetch link-local address %s", ip)
	case ip.IsPrivate():
		return archerr.New(archerr.KindValidation, "refusing to fetch private address %s", ip)
	case ip.IsUnspecified():
		return archerr.New(archerr.KindValidation, "refusing to fetch unspecified address %s", ip)
	}
	return nil
}

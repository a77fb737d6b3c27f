package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

var (
	ErrBadUpstreamURL     = errors.New("security: invalid upstream URL")
	ErrBlockedUpstream    = errors.New("security: upstream address is not allowed")
	ErrUnresolvedUpstream = errors.New("security: upstream host does not resolve")
)

// blockedHosts are names that reach cloud metadata or the gateway host itself.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// resolveTimeout bounds the DNS lookup done at registration time.
const resolveTimeout = 3 * time.Second

// ValidateEndpointURL checks that an upstream base URL cannot be used to
// reach private networks from the gateway. It runs at registration time,
// resolving the host once.
func ValidateEndpointURL(rawURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	return ValidateUpstream(ctx, net.DefaultResolver, rawURL)
}

// Resolver is the subset of *net.Resolver used here.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ValidateUpstream is ValidateEndpointURL with an explicit resolver.
func ValidateUpstream(ctx context.Context, resolver Resolver, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ErrBadUpstreamURL
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrBadUpstreamURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBadUpstreamURL)
	}
	if blockedHosts[strings.ToLower(host)] {
		return fmt.Errorf("%w: host %q", ErrBlockedUpstream, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: %s", ErrUnresolvedUpstream, host)
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, a.IP, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback", ErrBlockedUpstream)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private", ErrBlockedUpstream)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local", ErrBlockedUpstream)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified", ErrBlockedUpstream)
	}
	return nil
}

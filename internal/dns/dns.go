package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	localTimeout = time.Second
	raceTimeout  = 2 * time.Second
)

// fallbackResolvers are queried in parallel when the system resolver fails.
var fallbackResolvers = []string{
	"1.1.1.1",                // Cloudflare
	"1.0.0.1",                // Cloudflare
	"[2606:4700:4700::1111]", // Cloudflare
	"8.8.8.8",                // Google
	"8.8.4.4",                // Google
	"[2001:4860:4860::8888]", // Google
	"9.9.9.9",                // Quad9
	"149.112.112.112",        // Quad9
}

// Lookup resolves host to an IP address, trying the system resolver first
// and racing well-known public resolvers when it fails. Misconfigured local
// DNS must not keep a patient out of their appointment. IP literals pass
// through untouched.
func Lookup(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}

	if ip, err := systemLookup(ctx, host); err == nil {
		return ip, nil
	}
	return raceLookup(ctx, host)
}

func systemLookup(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, localTimeout)
	defer cancel()

	var r net.Resolver
	ips, err := r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	return pickIP(ips)
}

// raceLookup queries every fallback resolver at once and takes the first
// answer.
func raceLookup(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, raceTimeout)
	defer cancel()

	results := make(chan string, len(fallbackResolvers))
	for _, server := range fallbackResolvers {
		go func(server string) {
			ip, err := resolverLookup(ctx, host, server)
			if err != nil {
				results <- ""
				return
			}
			results <- ip
		}(server)
	}

	for range fallbackResolvers {
		select {
		case ip := <-results:
			if ip != "" {
				return ip, nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("resolve %s: %w", host, ctx.Err())
		}
	}
	return "", fmt.Errorf("resolve %s: all fallback resolvers failed", host)
}

func resolverLookup(ctx context.Context, host, server string) (string, error) {
	r := net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
		},
	}
	ips, err := r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	return pickIP(ips)
}

// pickIP prefers IPv4 for the widest NAT traversal compatibility.
func pickIP(ips []string) (string, error) {
	if len(ips) == 0 {
		return "", errors.New("no addresses returned")
	}
	for _, ip := range ips {
		if net.ParseIP(ip).To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

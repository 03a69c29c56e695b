package netlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// FormatHardwareAddr renders a MAC as zero-padded lowercase hex pairs joined
// by ':'. The result is the device identity used in topics and client ids.
func FormatHardwareAddr(mac net.HardwareAddr) string {
	parts := make([]string, len(mac))
	for i, b := range mac {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// DeviceID returns the identity of the device behind stack.
func DeviceID(stack Stack) (string, error) {
	mac, err := stack.HardwareAddr()
	if err != nil {
		return "", err
	}
	if len(mac) == 0 {
		return "", errors.New("interface has no hardware address")
	}
	return FormatHardwareAddr(mac), nil
}

// Resolver is the subset of *net.Resolver used by Resolve.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ResolveRetries is how many times a failed lookup is retried.
const ResolveRetries = 5

// Resolve looks host up, retrying failed lookups up to ResolveRetries times
// with delay between attempts. Literal addresses are returned as is.
func Resolve(ctx context.Context, r Resolver, host string, delay time.Duration) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}
	if r == nil {
		r = net.DefaultResolver
	}
	var lastErr error
	for attempt := 0; attempt <= ResolveRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		addrs, err := r.LookupHost(ctx, host)
		if err == nil && len(addrs) > 0 {
			return addrs, nil
		}
		if err == nil {
			err = fmt.Errorf("no addresses for %s", host)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("resolve %s: %w", host, lastErr)
}

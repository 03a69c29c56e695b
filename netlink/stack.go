package netlink

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Stack reports IP-layer readiness for the supervised interface.
type Stack interface {
	LinkUp() bool
	IPv4() (netip.Addr, bool)
	HardwareAddr() (net.HardwareAddr, error)
}

// WaitReady polls stack until the link is up and an IPv4 address is
// configured, then returns that address.
func WaitReady(ctx context.Context, stack Stack, poll time.Duration) (netip.Addr, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if stack.LinkUp() {
			if addr, ok := stack.IPv4(); ok {
				return addr, nil
			}
		}
		select {
		case <-ctx.Done():
			return netip.Addr{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SysStack reads interface state from the host.
type SysStack struct {
	name string
}

func NewSysStack(iface string) *SysStack {
	return &SysStack{name: iface}
}

func (s *SysStack) LinkUp() bool {
	ifi, err := net.InterfaceByName(s.name)
	if err != nil {
		return false
	}
	return ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagRunning != 0
}

func (s *SysStack) IPv4() (netip.Addr, bool) {
	ifi, err := net.InterfaceByName(s.name)
	if err != nil {
		return netip.Addr{}, false
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, false
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip, ok := netip.AddrFromSlice(ipnet.IP); ok {
			ip = ip.Unmap()
			if ip.Is4() && !ip.IsLoopback() {
				return ip, true
			}
		}
	}
	return netip.Addr{}, false
}

func (s *SysStack) HardwareAddr() (net.HardwareAddr, error) {
	ifi, err := net.InterfaceByName(s.name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", s.name, err)
	}
	return ifi.HardwareAddr, nil
}

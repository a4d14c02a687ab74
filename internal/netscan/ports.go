package netscan

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net"
	"net/netip"
	"runtime"
	"time"

	"github.com/CZERTAINLY/mcpanel/internal/parallel"
)

var errNotListening = errors.New("not listening")

const dialTimeout = 500 * time.Millisecond

// Listening reports whether anything on this host listens on the TCP port.
// On Linux it asks the kernel via netlink and falls back to a dial probe.
// Elsewhere it dials the loopback addresses only.
func Listening(ctx context.Context, port uint16) bool {
	if runtime.GOOS == "linux" {
		aps, err := ListeningNetlink(port)
		if err == nil {
			return len(aps) > 0
		}
		slog.DebugContext(ctx, "netlink access failed, using fallback method", "error", err)
	}
	for range ListeningDial(ctx, port) {
		return true
	}
	return false
}

// ListeningDial probes port by opening TCP connections to it. Without
// addresses it dials 127.0.0.1 and ::1 in parallel.
func ListeningDial(ctx context.Context, port uint16, addresses ...netip.Addr) iter.Seq[netip.AddrPort] {
	if addresses == nil {
		addresses = []netip.Addr{
			netip.AddrFrom4([4]byte{127, 0, 0, 1}),
			netip.IPv6Loopback(),
		}
	}
	targets := make([]netip.AddrPort, 0, len(addresses))
	for _, a := range addresses {
		targets = append(targets, netip.AddrPortFrom(a, port))
	}

	return func(yield func(netip.AddrPort) bool) {
		seq := parallel.NewMap(ctx, len(targets), opened).Iter(parallel.Values(targets))
		for addr, err := range seq {
			if err != nil {
				continue
			}
			if !yield(addr) {
				break
			}
		}
	}
}

func opened(ctx context.Context, adr netip.AddrPort) (netip.AddrPort, error) {
	var zero netip.AddrPort
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", adr.String())
	if err != nil {
		return zero, errNotListening
	}
	err = conn.Close()
	if err != nil {
		return zero, err
	}
	return adr, nil
}

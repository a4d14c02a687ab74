package netscan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"
)

const (
	defaultSettle = 3 * time.Second
	pollInterval  = 100 * time.Millisecond
)

// Binder opens the panel's listening socket. When the address is in use it
// reclaims the port once and retries exactly once.
type Binder struct {
	// Reclaim frees the port. Defaults to ReclaimPort.
	Reclaim func(ctx context.Context, port uint16) error
	// Listening reports whether the port is still taken. Defaults to
	// Listening.
	Listening func(ctx context.Context, port uint16) bool
	// Settle bounds the wait for the port to be released.
	Settle time.Duration

	lc net.ListenConfig
}

func NewBinder() *Binder {
	return &Binder{
		Reclaim:   ReclaimPort,
		Listening: Listening,
		Settle:    defaultSettle,
	}
}

// Bind listens on addr. If the port is occupied the occupant is killed,
// Bind waits until the port is free (bounded by Settle) and tries again. Any
// failure of that path returns the original bind error.
func (b *Binder) Bind(ctx context.Context, addr string) (net.Listener, error) {
	ln, err := b.lc.Listen(ctx, "tcp", addr)
	if err == nil {
		return ln, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, err
	}
	bindErr := err

	port, err := portOf(addr)
	if err != nil || port == 0 {
		return nil, bindErr
	}

	slog.WarnContext(ctx, "port in use, reclaiming", "addr", addr, "port", port)
	if b.Reclaim != nil {
		if err := b.Reclaim(ctx, port); err != nil {
			slog.ErrorContext(ctx, "port reclaim failed, free the port manually", "port", port, "error", err)
			return nil, bindErr
		}
	}
	b.settle(ctx, port)

	ln, err = b.lc.Listen(ctx, "tcp", addr)
	if err != nil {
		slog.ErrorContext(ctx, "bind retry failed", "addr", addr, "error", err)
		return nil, bindErr
	}
	slog.InfoContext(ctx, "port reclaimed", "addr", addr)
	return ln, nil
}

func (b *Binder) settle(ctx context.Context, port uint16) {
	if b.Listening == nil || b.Settle <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, b.Settle)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for b.Listening(ctx, port) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func portOf(addr string) (uint16, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", p, err)
	}
	return uint16(n), nil
}

package netscan

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strconv"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

var ErrReclaimUnsupported = errors.New("port reclaim is not supported on this platform")

// Occupants returns the pids of processes listening on the TCP port. The
// process table is read with gopsutil; when that fails lsof and fuser are
// tried in turn.
func Occupants(ctx context.Context, port uint16) ([]int32, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err == nil {
		var pids []int32
		for _, c := range conns {
			if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) || c.Pid <= 0 {
				continue
			}
			if !slices.Contains(pids, c.Pid) {
				pids = append(pids, c.Pid)
			}
		}
		return pids, nil
	}
	slog.DebugContext(ctx, "listing connections failed, trying lsof", "error", err)

	p := strconv.Itoa(int(port))
	pids, lerr := pidsFrom(ctx, "lsof", "-t", "-iTCP:"+p, "-sTCP:LISTEN")
	if lerr == nil {
		return pids, nil
	}
	pids, ferr := pidsFrom(ctx, "fuser", p+"/tcp")
	if ferr == nil {
		return pids, nil
	}
	return nil, errors.Join(err, lerr, ferr)
}

// pidsFrom runs a tool printing whitespace separated pids. A tool exiting 1
// with no output means no process was found.
func pidsFrom(ctx context.Context, name string, args ...string) ([]int32, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, err
	}
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	err = cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !(errors.As(err, &exitErr) && exitErr.ExitCode() == 1) {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	var pids []int32
	scanner := bufio.NewScanner(&stdout)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		n, err := strconv.ParseInt(scanner.Text(), 10, 32)
		if err != nil || n <= 0 {
			continue
		}
		if !slices.Contains(pids, int32(n)) {
			pids = append(pids, int32(n))
		}
	}
	return pids, nil
}

// ReclaimPort kills every process except the panel itself that listens on the
// TCP port. Finding no occupant is not an error.
func ReclaimPort(ctx context.Context, port uint16) error {
	if runtime.GOOS == "windows" {
		return ErrReclaimUnsupported
	}
	pids, err := Occupants(ctx, port)
	if err != nil {
		return fmt.Errorf("finding occupants of port %d: %w", port, err)
	}

	self := int32(os.Getpid())
	var errs []error
	for _, pid := range pids {
		if pid == self {
			continue
		}
		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			// gone already
			continue
		}
		name, _ := proc.NameWithContext(ctx)
		slog.WarnContext(ctx, "killing process occupying port", "port", port, "pid", pid, "name", name)
		if err := proc.KillWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("killing pid %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

package service_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/CZERTAINLY/mcpanel/internal/service"
)

// recordSink collects lines sent by the supervisor.
type recordSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordSink) Line(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *recordSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *recordSink) Contains(line string) bool {
	for _, l := range s.Lines() {
		if l == line {
			return true
		}
	}
	return false
}

type fakeSpawner struct {
	mu    sync.Mutex
	err   error
	procs []*fakeProc
	// configures every new process
	setup func(*fakeProc)
	cmds  []service.Command
}

func (f *fakeSpawner) Spawn(cmd service.Command, hooks service.Hooks) (service.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakeProc{pid: 1000 + len(f.procs), hooks: hooks}
	if f.setup != nil {
		f.setup(p)
	}
	f.procs = append(f.procs, p)
	f.cmds = append(f.cmds, cmd)
	return p, nil
}

func (f *fakeSpawner) Spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeSpawner) Proc(i int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

type fakeProc struct {
	pid   int
	hooks service.Hooks

	mu         sync.Mutex
	stdin      bytes.Buffer
	writeErr   error
	signalErr  error
	signals    []os.Signal
	killed     bool
	exitOnStop bool
	exited     bool
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.writeErr != nil {
		p.mu.Unlock()
		return 0, p.writeErr
	}
	p.stdin.Write(b)
	stop := p.exitOnStop && strings.HasPrefix(string(b), "stop")
	p.mu.Unlock()
	if stop {
		go p.Exit(service.ExitStatus{Code: 0})
	}
	return len(b), nil
}

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signalErr != nil {
		return p.signalErr
	}
	p.signals = append(p.signals, sig)
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(service.ExitStatus{Code: -1, Signal: "SIGKILL"})
	return nil
}

// Exit simulates the end of the process. Only the first call has an effect.
func (p *fakeProc) Exit(st service.ExitStatus) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.mu.Unlock()
	p.hooks.Exit(st)
}

func (p *fakeProc) Stdin() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.String()
}

func (p *fakeProc) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProc) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

var errBrokenPipe = errors.New("write |1: broken pipe")

func okCheck(context.Context, string) error { return nil }

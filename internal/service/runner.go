package service

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// maxLineSize bounds one console line read from a child pipe.
const maxLineSize = 1024 * 1024

// Command describes a child process to spawn.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string // nil inherits the panel environment
}

// ExitStatus describes how a child terminated. Code is -1 when the process
// was terminated by a signal. Err is set when waiting failed for a reason
// other than a non-zero exit.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Hooks receive the output of a spawned process. Lines from one pipe arrive
// in order. Exit is called exactly once, after the last line of both pipes.
type Hooks struct {
	Stdout func(line string)
	Stderr func(line string)
	Exit   func(ExitStatus)
}

// Process is a running child.
type Process interface {
	Pid() int
	// Write sends p to the child's stdin.
	Write(p []byte) (int, error)
	Signal(sig os.Signal) error
	Kill() error
}

// Spawner starts child processes. Spawn returns once the process has been
// started or failed to start.
type Spawner interface {
	Spawn(cmd Command, hooks Hooks) (Process, error)
}

// ExecSpawner spawns real OS processes with os/exec.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(proto Command, hooks Hooks) (Process, error) {
	// the child outlives the request that started it, so no CommandContext
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if proto.Env != nil {
		cmd.Env = append([]string(nil), proto.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	wg.Go(func() { readLines(stdout, hooks.Stdout) })
	wg.Go(func() { readLines(stderr, hooks.Stderr) })
	go wait(cmd, &wg, hooks.Exit)

	return &execProcess{cmd: cmd, stdin: stdin}, nil
}

// readLines calls fn for every line read from r. A line longer than
// maxLineSize is delivered in maxLineSize chunks.
func readLines(r io.Reader, fn func(string)) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("line hook panicked", "panic", p)
			_, _ = io.Copy(io.Discard, r)
		}
	}()
	emit := func(b []byte) {
		if fn != nil {
			fn(string(b))
		}
	}

	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			line = dropCR(line[:len(line)-1])
		}
		for len(line) > maxLineSize {
			emit(line[:maxLineSize])
			line = line[maxLineSize:]
		}

		switch {
		case err == nil:
			emit(line)
			line = line[:0]
		case errors.Is(err, bufio.ErrBufferFull):
			// the line continues in the next read
		default:
			if len(line) > 0 {
				emit(dropCR(line))
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Error("reading process output", "error", err)
			}
			return
		}
	}
}

func dropCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

// wait reaps the child once both pipes are drained, as os/exec requires all
// reads to complete before Wait.
func wait(cmd *exec.Cmd, wg *sync.WaitGroup, exit func(ExitStatus)) {
	wg.Wait()
	err := cmd.Wait()
	st := exitStatus(cmd.ProcessState, err)
	if exit == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("exit hook panicked", "panic", p)
		}
	}()
	exit(st)
}

func exitStatus(state *os.ProcessState, err error) ExitStatus {
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ExitStatus{Code: -1, Err: err}
	}
	if state == nil {
		return ExitStatus{Code: -1, Err: errors.New("missing process state")}
	}
	st := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = signalName(ws.Signal())
	}
	return st
}

func (s ExitStatus) String() string {
	code := "null"
	if s.Code >= 0 {
		code = fmt.Sprint(s.Code)
	}
	signal := "null"
	if s.Signal != "" {
		signal = s.Signal
	}
	return fmt.Sprintf("code=%s, signal=%s", code, signal)
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

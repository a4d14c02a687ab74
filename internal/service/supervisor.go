package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/mcpanel/internal/model"
)

const (
	panelPrefix  = "[panel] "
	stderrPrefix = "[stderr] "
)

// defaultShutdownTimeout bounds Shutdown when stop_timeout is disabled.
const defaultShutdownTimeout = 30 * time.Second

var ansiRx = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b[@-Z\\-_]`)

// Sink receives every console and panel line.
type Sink interface {
	Line(line string)
}

// Auditor records control actions. A nil Auditor is allowed.
type Auditor interface {
	Record(ctx context.Context, action, detail string, err error, message string)
}

// Supervisor owns the game server process. At most one child runs at a time;
// concurrent Start calls are serialized so that exactly one spawns.
type Supervisor struct {
	cfg     model.Config
	sink    Sink
	spawner Spawner
	check   LauncherCheck
	auditor Auditor

	mu       sync.Mutex
	starting bool
	run      *run
	seq      uint64
}

// run is one spawned child.
type run struct {
	id   uint64
	proc Process
	wmu  sync.Mutex // serializes stdin writes
	done chan struct{}
	kill *time.Timer
}

func (r *run) write(p []byte) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	_, err := r.proc.Write(p)
	return err
}

type Option func(*Supervisor)

func WithSpawner(sp Spawner) Option {
	return func(s *Supervisor) { s.spawner = sp }
}

func WithLauncherCheck(fn LauncherCheck) Option {
	return func(s *Supervisor) { s.check = fn }
}

func WithAuditor(a Auditor) Option {
	return func(s *Supervisor) { s.auditor = a }
}

func NewSupervisor(cfg model.Config, sink Sink, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		sink:    sink,
		spawner: ExecSpawner{},
		check:   CheckJava,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Status reports whether a child is running or being started.
func (s *Supervisor) Status() model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Status{
		Running:  s.run != nil,
		Starting: s.starting,
	}
}

// Start launches the server. It returns once the process has been spawned,
// not when the server is ready.
func (s *Supervisor) Start(ctx context.Context) (string, error) {
	msg, err := s.start(ctx)
	s.audit(ctx, "start", "", err, msg)
	return msg, err
}

func (s *Supervisor) start(ctx context.Context) (string, error) {
	s.mu.Lock()
	switch {
	case s.run != nil:
		s.mu.Unlock()
		return "", model.ErrAlreadyRunning
	case s.starting:
		s.mu.Unlock()
		return "", model.ErrAlreadyStarting
	}
	s.starting = true
	s.mu.Unlock()

	launch, err := s.prepare(ctx)
	if err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false

	s.panel(fmt.Sprintf("Starting server: %s %s (cwd=%s)", launch.Java, strings.Join(launch.Args, " "), launch.Dir))
	s.seq++
	r := &run{id: s.seq, done: make(chan struct{})}
	proc, err := s.spawner.Spawn(launch.Cmd(), Hooks{
		Stdout: func(line string) { s.output("", line) },
		Stderr: func(line string) { s.output(stderrPrefix, line) },
		Exit:   func(st ExitStatus) { s.exited(r, st) },
	})
	if err != nil {
		s.panel("Failed to spawn process: " + err.Error())
		return "", fmt.Errorf("%w: %w", model.ErrSpawnFailed, err)
	}
	r.proc = proc
	s.run = r
	slog.InfoContext(ctx, "server process spawned", "pid", proc.Pid(), "run", r.id)
	s.panel("Server process spawned.")
	return "Starting server...", nil
}

// prepare runs the checks that precede a spawn. It must not hold s.mu.
func (s *Supervisor) prepare(ctx context.Context) (Launch, error) {
	launch, err := ResolveLaunch(s.cfg)
	if err != nil {
		return Launch{}, err
	}

	if s.cfg.AutoEula {
		written, err := EnsureEULA(launch.Dir)
		switch {
		case err != nil:
			slog.WarnContext(ctx, "writing eula.txt failed", "dir", launch.Dir, "error", err)
		case written:
			slog.InfoContext(ctx, "eula.txt accepted", "dir", launch.Dir)
		}
	}

	if _, err := os.Stat(launch.Jar); err != nil {
		return Launch{}, fmt.Errorf("%w: %s", model.ErrArtifactNotFound, launch.Jar)
	}

	if s.check != nil {
		if err := s.check(ctx, launch.Java); err != nil {
			if launcherMissing(err) {
				s.panel("Java is not available: " + err.Error())
				return Launch{}, fmt.Errorf("%w: %w", model.ErrLauncherUnavailable, err)
			}
			slog.WarnContext(ctx, "java check failed: starting anyway", "java", launch.Java, "error", err)
		}
	}
	return launch, nil
}

// Stop asks the server to shut down. It does not wait for the exit.
func (s *Supervisor) Stop(ctx context.Context) (string, error) {
	msg, err := s.stop(ctx)
	s.audit(ctx, "stop", "", err, msg)
	return msg, err
}

func (s *Supervisor) stop(ctx context.Context) (string, error) {
	r := s.current()
	if r == nil {
		return "", model.ErrNotRunning
	}

	err := r.write([]byte(s.cfg.StopCommand + "\r\n"))
	if err == nil {
		s.panel("Sent stop command.")
		s.escalate(ctx, r)
		return "Stopping server...", nil
	}

	s.panel("Failed to send stop: " + err.Error())
	if err := r.proc.Signal(syscall.SIGTERM); err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrStopFailed, err)
	}
	s.escalate(ctx, r)
	return "Stopping server (SIGTERM)...", nil
}

// escalate kills r if it is still alive after the stop timeout.
func (s *Supervisor) escalate(ctx context.Context, r *run) {
	timeout := s.cfg.StopTimeout
	if timeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != r || r.kill != nil {
		return
	}
	r.kill = time.AfterFunc(timeout, func() {
		select {
		case <-r.done:
			return
		default:
		}
		s.panel(fmt.Sprintf("Server did not stop within %s, killing process.", timeout))
		if err := r.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.ErrorContext(ctx, "killing server process", "run", r.id, "error", err)
		}
	})
}

// SendCommand writes text as one console line to the server.
func (s *Supervisor) SendCommand(ctx context.Context, text string) (string, error) {
	msg, err := s.sendCommand(text)
	s.audit(ctx, "command", text, err, msg)
	return msg, err
}

func (s *Supervisor) sendCommand(text string) (string, error) {
	r := s.current()
	if r == nil {
		return "", model.ErrNotRunning
	}
	if err := r.write([]byte(strings.TrimSpace(text) + "\r\n")); err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrWriteFailed, err)
	}
	return "Command sent", nil
}

// Restart stops a running server, waits for it to exit and starts it again.
// An idle server is just started.
func (s *Supervisor) Restart(ctx context.Context) (string, error) {
	if r := s.current(); r != nil {
		if _, err := s.Stop(ctx); err != nil && !errors.Is(err, model.ErrNotRunning) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-r.done:
		}
	}
	return s.Start(ctx)
}

// Shutdown stops the server and waits for it to exit. After the stop
// timeout, or when ctx is done, the process is killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	r := s.current()
	if r == nil {
		return nil
	}
	if _, err := s.stop(ctx); err != nil && !errors.Is(err, model.ErrNotRunning) {
		slog.WarnContext(ctx, "graceful stop failed", "error", err)
	}

	timeout := s.cfg.StopTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
	case <-t.C:
	}
	s.panel("Server did not stop in time, killing process.")
	if err := r.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing server process: %w", err)
	}
	<-r.done
	return nil
}

// Wait blocks until the current child exits or ctx is done. It returns
// immediately when nothing is running.
func (s *Supervisor) Wait(ctx context.Context) error {
	r := s.current()
	if r == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return nil
	}
}

func (s *Supervisor) current() *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

func (s *Supervisor) exited(r *run, st ExitStatus) {
	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	if r.kill != nil {
		r.kill.Stop()
	}
	s.mu.Unlock()

	if st.Err != nil {
		s.panel("Process error: " + st.Err.Error())
	}
	s.panel(fmt.Sprintf("Server exited (%s).", st))
	slog.Info("server process exited", "run", r.id, "code", st.Code, "signal", st.Signal)
	close(r.done)
}

func (s *Supervisor) output(prefix, line string) {
	line = ansiRx.ReplaceAllString(line, "")
	if strings.TrimSpace(line) == "" {
		return
	}
	s.sink.Line(prefix + line)
}

func (s *Supervisor) panel(msg string) {
	s.sink.Line(panelPrefix + msg)
}

func (s *Supervisor) audit(ctx context.Context, action, detail string, err error, msg string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, action, detail, err, msg)
}

// Do runs the configured schedules until ctx is done, then shuts the server
// down.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	scheduler, err := s.newScheduler(ctx)
	if err != nil {
		return err
	}
	if scheduler != nil {
		scheduler.Start()
	}

	<-ctx.Done()
	if scheduler != nil {
		if err := scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}
	shutdownCtx := context.WithoutCancel(ctx)
	if err := s.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "shutting down server", "error", err)
	}
	return nil
}

func (s *Supervisor) newScheduler(ctx context.Context) (gocron.Scheduler, error) {
	if len(s.cfg.Schedules) == 0 {
		return nil, nil
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	for i, sc := range s.cfg.Schedules {
		if err := ParseCron(sc.Cron); err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("parsing schedules[%d].cron: %w", i, err)
		}
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", sc.Action, i)
		}
		_, err = sched.NewJob(
			gocron.CronJob(sc.Cron, false),
			gocron.NewTask(s.scheduled, ctx, sc),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("initializing gocron job %q: %w", name, err)
		}
		slog.DebugContext(ctx, "schedule registered", "name", name, "cron", sc.Cron, "action", sc.Action)
	}
	return sched, nil
}

func (s *Supervisor) scheduled(ctx context.Context, sc model.Schedule) {
	var msg string
	var err error
	switch sc.Action {
	case model.ActionStart:
		msg, err = s.Start(ctx)
	case model.ActionStop:
		msg, err = s.Stop(ctx)
	case model.ActionRestart:
		msg, err = s.Restart(ctx)
	case model.ActionCommand:
		msg, err = s.SendCommand(ctx, sc.Command)
	default:
		err = fmt.Errorf("unsupported action %q", sc.Action)
	}
	if err != nil {
		slog.WarnContext(ctx, "scheduled action failed", "name", sc.Name, "action", sc.Action, "error", err)
		return
	}
	slog.InfoContext(ctx, "scheduled action", "name", sc.Name, "action", sc.Action, "message", msg)
}

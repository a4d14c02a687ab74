// Package service supervises the game server process.
//
// The Supervisor owns at most one child. Start, Stop and SendCommand may be
// called concurrently from any number of goroutines; the state machine
//
//	Idle --Start--> Starting --spawned--> Running --exit--> Idle
//	                    |
//	                    +--check/spawn failed--> Idle
//
// guarantees that concurrent Start calls spawn exactly one process. Stop is
// fire-and-forget: it writes the stop command to stdin (falling back to
// SIGTERM) and returns; the exit is observed asynchronously and clears the
// handle. When stop_timeout is set a child that ignores the stop is killed.
//
// Spawner abstracts os/exec so tests can substitute a fake process:
//
//	Supervisor            Spawner                 child
//	    |  Spawn(cmd, hooks) |                       |
//	    |------------------->| exec.Start ---------->|
//	    |                    | stdout/stderr scanners|
//	    |<-- Hooks.Stdout ---|<----------------------|
//	    |<-- Hooks.Exit -----| Wait (after pipes EOF)|
//
// Every console line (stdout verbatim, stderr prefixed "[stderr] ", panel
// messages prefixed "[panel] ") goes to the Sink, which in production is the
// broadcast hub.
//
// Do runs the configured cron schedules with gocron and shuts the server down
// when its context is canceled.
package service

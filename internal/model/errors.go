package model

import (
	"errors"
)

// Control errors. Messages are shown to panel users as they are.
var (
	ErrAlreadyRunning      = errors.New("server already running")
	ErrAlreadyStarting     = errors.New("server already starting")
	ErrArtifactNotFound    = errors.New("server jar not found")
	ErrLauncherUnavailable = errors.New("java is not available")
	ErrSpawnFailed         = errors.New("failed to start")
	ErrNotRunning          = errors.New("server is not running")
	ErrWriteFailed         = errors.New("failed to send command")
	ErrStopFailed          = errors.New("failed to stop")
)

// JDK install errors.
var (
	ErrAlreadyInProgress   = errors.New("jdk install already in progress")
	ErrUnsupportedPlatform = errors.New("jdk install is supported on linux only")
	ErrScriptNotFound      = errors.New("jdk install script not found")
	ErrInstallFailed       = errors.New("jdk download failed")
)

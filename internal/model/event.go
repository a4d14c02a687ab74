package model

import "encoding/json"

// EventKind names a live channel event.
type EventKind string

const (
	EventBootstrap   EventKind = "bootstrap"
	EventLog         EventKind = "log"
	EventJDKStart    EventKind = "jdk_download_start"
	EventJDKProgress EventKind = "jdk_download_progress"
	EventJDKLog      EventKind = "jdk_download_log"
	EventJDKComplete EventKind = "jdk_download_complete"
	EventJDKError    EventKind = "jdk_download_error"
)

// Event is one message pushed to observers. Which payload field is used
// depends on Kind.
type Event struct {
	Kind  EventKind
	Line  string       // log
	Lines []string     // bootstrap
	JDK   *JDKProgress // jdk_download_*
}

// JDKProgress is the payload of jdk_download_* events.
type JDKProgress struct {
	Version  string `json:"version"`
	Message  string `json:"message"`
	Progress *int   `json:"progress,omitempty"`
}

func LogEvent(line string) Event {
	return Event{Kind: EventLog, Line: line}
}

func BootstrapEvent(lines []string) Event {
	return Event{Kind: EventBootstrap, Lines: lines}
}

func JDKEvent(kind EventKind, version, message string) Event {
	return Event{Kind: kind, JDK: &JDKProgress{Version: version, Message: message}}
}

func JDKProgressEvent(version string, progress int, message string) Event {
	return Event{Kind: EventJDKProgress, JDK: &JDKProgress{Version: version, Message: message, Progress: &progress}}
}

// MarshalJSON encodes the event as {"event": kind, "data": payload}.
func (e Event) MarshalJSON() ([]byte, error) {
	var data any
	switch e.Kind {
	case EventBootstrap:
		lines := e.Lines
		if lines == nil {
			lines = []string{}
		}
		data = struct {
			Lines []string `json:"lines"`
		}{Lines: lines}
	case EventLog:
		data = e.Line
	default:
		data = e.JDK
	}
	return json.Marshal(struct {
		Event EventKind `json:"event"`
		Data  any       `json:"data"`
	}{Event: e.Kind, Data: data})
}

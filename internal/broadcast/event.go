// Package broadcast fans conversation events out to attached listeners and
// keeps the bounded dev-server log history.
package broadcast

// Event types.
const (
	TypeSandboxStatus    = "sb:status"
	TypePreviewAvailable = "ds:preview-available"
	TypeLog              = "ds:log"
)

// Status is a sandbox lifecycle state as shown to listeners.
type Status string

const (
	StatusStarting Status = "starting"
	StatusStarted  Status = "started"
	StatusExited   Status = "exited"
	StatusError    Status = "error"
)

// Event is the envelope sent to every listener.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StatusData is the payload of a sandbox status event.
type StatusData struct {
	Status Status `json:"status"`
}

// PreviewData is the payload of a preview-available event.
type PreviewData struct {
	URL string `json:"url"`
}

// LogEntry is one line of dev-server output.
type LogEntry struct {
	Stream  string `json:"stream"`
	Message string `json:"message"`
	TS      int64  `json:"ts"` // unix milliseconds
}

func SandboxStatus(s Status) Event {
	return Event{Type: TypeSandboxStatus, Data: StatusData{Status: s}}
}

func PreviewAvailable(url string) Event {
	return Event{Type: TypePreviewAvailable, Data: PreviewData{URL: url}}
}

func Log(e LogEntry) Event {
	return Event{Type: TypeLog, Data: e}
}

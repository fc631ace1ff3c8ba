// Package backend dispatches prompts to external AI command-line tools.
//
// Each backend is a local executable with its own argument shape. The
// Dispatcher validates a Request, consults the shared circuit breaker,
// invokes the tool through a runner.Runner and applies a one-shot model
// fallback when the primary model reports a quota or rate limit error.
package backend

import (
	"fmt"
	"strings"
)

// Backend names a supported external tool.
type Backend string

const (
	Gemini  Backend = "gemini"
	Qwen    Backend = "qwen"
	Rovodev Backend = "rovodev"
	Cursor  Backend = "cursor"
	Droid   Backend = "droid"
)

// All lists every supported backend in preference order.
var All = []Backend{Gemini, Cursor, Droid, Qwen, Rovodev}

func (b Backend) String() string {
	return string(b)
}

// Valid reports whether b is a supported backend.
func (b Backend) Valid() bool {
	_, ok := defaultRoutes[b]
	return ok
}

// ParseBackend converts a name into a Backend. Names are matched case
// insensitively and "cursor-agent" is accepted as an alias of cursor.
func ParseBackend(name string) (Backend, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "cursor-agent" {
		normalized = string(Cursor)
	}
	b := Backend(normalized)
	if !b.Valid() {
		return "", &UnsupportedBackendError{Name: name}
	}
	return b, nil
}

// ProgressFunc receives lifecycle messages and streamed output chunks.
type ProgressFunc func(message string)

// Progress messages emitted by the dispatcher.
const (
	ProgressStarting  = "starting analysis"
	ProgressCompleted = "completed"
	ProgressFailed    = "failed"
	ProgressSwitching = "switching to fallback model"
)

// Request describes a single dispatch. Flags that a backend does not
// understand are ignored by its argument builder.
type Request struct {
	Backend Backend `json:"backend"`
	Prompt  string  `json:"prompt"`
	// Model overrides the backend's primary model.
	Model string `json:"model,omitempty"`

	// gemini / qwen
	Sandbox      bool   `json:"sandbox,omitempty"`
	ApprovalMode string `json:"approval_mode,omitempty"`
	Yolo         bool   `json:"yolo,omitempty"`
	AllFiles     bool   `json:"all_files,omitempty"`
	Debug        bool   `json:"debug,omitempty"`

	// rovodev
	Shadow  bool `json:"shadow,omitempty"`
	Verbose bool `json:"verbose,omitempty"`
	Restore bool `json:"restore,omitempty"`

	// cursor / droid
	OutputFormat string   `json:"output_format,omitempty"`
	Dir          string   `json:"dir,omitempty"`
	Attachments  []string `json:"attachments,omitempty"`
	AutoApprove  bool     `json:"auto_approve,omitempty"`

	// droid
	Autonomy              string `json:"autonomy,omitempty"`
	SessionID             string `json:"session_id,omitempty"`
	SkipPermissionsUnsafe bool   `json:"skip_permissions_unsafe,omitempty"`

	// OnProgress receives lifecycle messages and streamed output.
	OnProgress ProgressFunc `json:"-"`
}

func (r Request) progress(message string) {
	if r.OnProgress != nil {
		r.OnProgress(message)
	}
}

func (r Request) String() string {
	return fmt.Sprintf("%s(model=%q, prompt=%d chars, attachments=%d)", r.Backend, r.Model, len(r.Prompt), len(r.Attachments))
}

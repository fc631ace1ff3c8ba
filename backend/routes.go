package backend

import "maps"

// Model identifiers used by default.
const (
	GeminiPrimaryModel  = "gemini-3-pro-preview"
	GeminiFallbackModel = "gemini-3-flash-preview"
	QwenPrimaryModel    = "qwen3-coder-plus"
	QwenFallbackModel   = "qwen3-coder-flash"
)

// Route describes how a backend is invoked.
type Route struct {
	// Command is the executable to run.
	Command string `json:"command" yaml:"command"`
	// PrimaryModel is used when a request names no model. Only failures on
	// this model are eligible for the quota fallback.
	PrimaryModel string `json:"primary_model,omitempty" yaml:"primary_model,omitempty"`
	// FallbackModel is substituted once when the primary model reports a
	// quota or rate limit error. Empty disables the fallback.
	FallbackModel string `json:"fallback_model,omitempty" yaml:"fallback_model,omitempty"`

	args func(req Request, model string) []string
}

// Args builds the argument list for req using model.
func (r Route) Args(req Request, model string) []string {
	return r.args(req, model)
}

// resolveModel returns the model a request will run with.
func (r Route) resolveModel(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return r.PrimaryModel
}

// canFallback reports whether a failure on model may be retried with the
// fallback model.
func (r Route) canFallback(model string) bool {
	return r.FallbackModel != "" && model != "" && model == r.PrimaryModel && model != r.FallbackModel
}

var defaultRoutes = map[Backend]Route{
	Gemini: {
		Command:       "gemini",
		PrimaryModel:  GeminiPrimaryModel,
		FallbackModel: GeminiFallbackModel,
		args:          geminiArgs,
	},
	Qwen: {
		Command:       "qwen",
		PrimaryModel:  QwenPrimaryModel,
		FallbackModel: QwenFallbackModel,
		args:          qwenArgs,
	},
	Rovodev: {
		Command: "acli",
		args:    rovodevArgs,
	},
	Cursor: {
		Command: "cursor-agent",
		args:    cursorArgs,
	},
	Droid: {
		Command: "droid",
		args:    droidArgs,
	},
}

// DefaultRoutes returns a copy of the built-in routing table.
func DefaultRoutes() map[Backend]Route {
	return maps.Clone(defaultRoutes)
}

// gemini [-m M] [-s] [--approval-mode A] [-y] [-a] [-d] -p PROMPT
func geminiArgs(req Request, model string) []string {
	var args []string
	if model != "" {
		args = append(args, "-m", model)
	}
	if req.Sandbox {
		args = append(args, "-s")
	}
	if req.ApprovalMode != "" {
		args = append(args, "--approval-mode", req.ApprovalMode)
	}
	if req.Yolo {
		args = append(args, "-y")
	}
	if req.AllFiles {
		args = append(args, "-a")
	}
	if req.Debug {
		args = append(args, "-d")
	}
	return append(args, "-p", req.Prompt)
}

// qwen [--model M] [--sandbox] [--approval-mode A] [--yolo] [--all-files] [--debug] -p PROMPT
func qwenArgs(req Request, model string) []string {
	var args []string
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.Sandbox {
		args = append(args, "--sandbox")
	}
	if req.ApprovalMode != "" {
		args = append(args, "--approval-mode", req.ApprovalMode)
	}
	if req.Yolo {
		args = append(args, "--yolo")
	}
	if req.AllFiles {
		args = append(args, "--all-files")
	}
	if req.Debug {
		args = append(args, "--debug")
	}
	return append(args, "-p", req.Prompt)
}

// acli rovodev run [--shadow] [--verbose] [--restore] [--yolo] PROMPT
func rovodevArgs(req Request, _ string) []string {
	args := []string{"rovodev", "run"}
	if req.Shadow {
		args = append(args, "--shadow")
	}
	if req.Verbose {
		args = append(args, "--verbose")
	}
	if req.Restore {
		args = append(args, "--restore")
	}
	if req.Yolo {
		args = append(args, "--yolo")
	}
	return append(args, req.Prompt)
}

// cursor-agent -p [--model M] [--output-format F] [--cwd D] [--file P]... [--auto-approve] PROMPT
func cursorArgs(req Request, model string) []string {
	args := []string{"-p"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.OutputFormat != "" {
		args = append(args, "--output-format", req.OutputFormat)
	}
	if req.Dir != "" {
		args = append(args, "--cwd", req.Dir)
	}
	for _, file := range req.Attachments {
		args = append(args, "--file", file)
	}
	if req.AutoApprove {
		args = append(args, "--auto-approve")
	}
	return append(args, req.Prompt)
}

// droid exec [--auto L] [--session-id S] [--skip-permissions-unsafe] [--file P]... [--cwd D] [--output-format F] PROMPT
func droidArgs(req Request, _ string) []string {
	args := []string{"exec"}
	if req.Autonomy != "" {
		args = append(args, "--auto", req.Autonomy)
	}
	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}
	if req.SkipPermissionsUnsafe {
		args = append(args, "--skip-permissions-unsafe")
	}
	for _, file := range req.Attachments {
		args = append(args, "--file", file)
	}
	if req.Dir != "" {
		args = append(args, "--cwd", req.Dir)
	}
	if req.OutputFormat != "" {
		args = append(args, "--output-format", req.OutputFormat)
	}
	return append(args, req.Prompt)
}

// Package mcpserver exposes the backends and workflows as MCP tools.
//
// Each backend gets its own tool taking a prompt and the flags that backend
// understands. Failures, including an empty prompt or an open circuit, are
// returned as tool error results carrying the message rather than as
// protocol errors, so the calling agent can read them.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/deepnoodle-ai/aiflow"
	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/breaker"
	"github.com/deepnoodle-ai/aiflow/permission"
	"github.com/deepnoodle-ai/aiflow/selector"
)

// Version is reported to MCP clients.
var Version = "dev"

// Options configures a Server.
type Options struct {
	Dispatcher aiflow.Dispatcher
	Executor   *aiflow.Executor

	// Gate approves file-modifying flags such as yolo and auto_approve.
	Gate permission.Gate

	Circuits *breaker.Registry
	Stats    *selector.Stats
	Logger   *slog.Logger
}

// Server holds the tool handlers.
type Server struct {
	dispatcher aiflow.Dispatcher
	executor   *aiflow.Executor
	gate       permission.Gate
	circuits   *breaker.Registry
	stats      *selector.Stats
	logger     *slog.Logger
}

// New returns a Server. Dispatcher is required; the workflow and status
// tools are registered only when their collaborators are set.
func New(opts Options) (*Server, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("mcpserver: dispatcher required")
	}
	if opts.Gate == nil {
		opts.Gate = permission.NewManager(permission.ReadOnly)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		dispatcher: opts.Dispatcher,
		executor:   opts.Executor,
		gate:       opts.Gate,
		circuits:   opts.Circuits,
		stats:      opts.Stats,
		logger:     opts.Logger.With("component", "mcp"),
	}, nil
}

// Tools returns every tool with its handler.
func (s *Server) Tools() []server.ServerTool {
	tools := []server.ServerTool{
		{Tool: geminiTool("ask-gemini", "Gemini"), Handler: s.askGemini(backend.Gemini)},
		{Tool: geminiTool("ask-qwen", "Qwen"), Handler: s.askGemini(backend.Qwen)},
		{Tool: rovodevTool(), Handler: s.askRovodev},
		{Tool: cursorTool(), Handler: s.cursorAgent},
		{Tool: droidTool(), Handler: s.droidExec},
	}
	if s.executor != nil {
		tools = append(tools,
			server.ServerTool{Tool: runWorkflowTool(), Handler: s.runWorkflow},
			server.ServerTool{Tool: listWorkflowsTool(), Handler: s.listWorkflows},
		)
	}
	if s.circuits != nil || s.stats != nil {
		tools = append(tools, server.ServerTool{Tool: backendStatusTool(), Handler: s.backendStatus})
	}
	return tools
}

// MCP builds the MCP server with every tool registered.
func (s *Server) MCP() *server.MCPServer {
	srv := server.NewMCPServer("aiflow", Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Dispatch prompts to external AI command-line tools and run multi-backend workflows."),
	)
	srv.AddTools(s.Tools()...)
	return srv
}

// ServeStdio serves the tools over stdin and stdout until the client
// disconnects.
func (s *Server) ServeStdio() error {
	s.logger.Info("serving MCP over stdio", "version", Version)
	return server.ServeStdio(s.MCP())
}

func promptOption() mcp.ToolOption {
	return mcp.WithString("prompt", mcp.Required(), mcp.Description("The prompt to send"))
}

func geminiTool(name, label string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(fmt.Sprintf("Ask %s. Falls back to a lighter model once when the primary model is out of quota.", label)),
		promptOption(),
		mcp.WithString("model", mcp.Description("Model override; defaults to the primary model")),
		mcp.WithBoolean("sandbox", mcp.Description("Run tools in a sandbox")),
		mcp.WithString("approval_mode", mcp.Description("Tool approval mode"), mcp.Enum("default", "auto_edit", "yolo")),
		mcp.WithBoolean("yolo", mcp.Description("Approve every tool call automatically")),
		mcp.WithBoolean("all_files", mcp.Description("Include every file in context")),
		mcp.WithBoolean("debug", mcp.Description("Enable debug output")),
	)
}

func rovodevTool() mcp.Tool {
	return mcp.NewTool("ask-rovodev",
		mcp.WithDescription("Ask Rovo Dev through acli"),
		promptOption(),
		mcp.WithBoolean("shadow", mcp.Description("Work on a temporary copy of the workspace")),
		mcp.WithBoolean("verbose", mcp.Description("Verbose tool output")),
		mcp.WithBoolean("restore", mcp.Description("Continue the last session")),
		mcp.WithBoolean("yolo", mcp.Description("Approve every tool call automatically")),
	)
}

func cursorTool() mcp.Tool {
	return mcp.NewTool("cursor-agent",
		mcp.WithDescription("Run Cursor Agent non-interactively"),
		promptOption(),
		mcp.WithString("model", mcp.Description("Model to use")),
		mcp.WithString("output_format", mcp.Description("Output format"), mcp.Enum("text", "json", "markdown")),
		mcp.WithString("dir", mcp.Description("Working directory")),
		mcp.WithString("attachments", mcp.Description("Comma separated files to attach")),
		mcp.WithBoolean("auto_approve", mcp.Description("Apply changes without asking")),
	)
}

func droidTool() mcp.Tool {
	return mcp.NewTool("droid-exec",
		mcp.WithDescription("Run Factory Droid in exec mode"),
		promptOption(),
		mcp.WithString("autonomy", mcp.Description("Droid autonomy; may not exceed the configured level"), mcp.Enum("low", "medium", "high")),
		mcp.WithString("session_id", mcp.Description("Continue an existing session")),
		mcp.WithBoolean("skip_permissions_unsafe", mcp.Description("Skip every permission check; requires high autonomy")),
		mcp.WithString("attachments", mcp.Description("Comma separated files to attach")),
		mcp.WithString("dir", mcp.Description("Working directory")),
		mcp.WithString("output_format", mcp.Description("Output format"), mcp.Enum("text", "json")),
	)
}

func runWorkflowTool() mcp.Tool {
	return mcp.NewTool("run-workflow",
		mcp.WithDescription("Run a registered workflow and return its report"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name, see list-workflows")),
		mcp.WithString("params", mcp.Description("Workflow parameters as a JSON object")),
	)
}

func listWorkflowsTool() mcp.Tool {
	return mcp.NewTool("list-workflows",
		mcp.WithDescription("List the registered workflows and their parameters"),
	)
}

func backendStatusTool() mcp.Tool {
	return mcp.NewTool("backend-status",
		mcp.WithDescription("Show circuit breaker state and usage statistics per backend"),
	)
}

func boolArg(req mcp.CallToolRequest, key string) bool {
	v, _ := req.GetArguments()[key].(bool)
	return v
}

func listArg(req mcp.CallToolRequest, key string) []string {
	return aiflow.Params{key: req.GetArguments()[key]}.Strings(key)
}

// dispatch runs req and turns every failure into a tool error.
func (s *Server) dispatch(ctx context.Context, req backend.Request) (*mcp.CallToolResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return mcp.NewToolResultError(backend.ErrEmptyPrompt.Error()), nil
	}
	logger := s.logger.With("backend", req.Backend)
	req.OnProgress = func(message string) {
		logger.Debug("progress", "message", message)
	}
	out, err := s.dispatcher.Execute(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

// approve asks the gate for op when a request would let the backend
// change files.
func (s *Server) approve(ctx context.Context, needed bool, op permission.Operation, detail string) *mcp.CallToolResult {
	if !needed {
		return nil
	}
	if err := s.gate.RequestPermission(ctx, op, detail); err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return nil
}

func (s *Server) askGemini(b backend.Backend) server.ToolHandlerFunc {
	return func(ctx context.Context, call mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := backend.Request{
			Backend:      b,
			Prompt:       call.GetString("prompt", ""),
			Model:        call.GetString("model", ""),
			Sandbox:      boolArg(call, "sandbox"),
			ApprovalMode: call.GetString("approval_mode", ""),
			Yolo:         boolArg(call, "yolo"),
			AllFiles:     boolArg(call, "all_files"),
			Debug:        boolArg(call, "debug"),
		}
		autoEdits := req.Yolo || req.ApprovalMode == "yolo" || req.ApprovalMode == "auto_edit"
		if denied := s.approve(ctx, autoEdits, permission.ModifyFile, string(b)+" auto-approved edits"); denied != nil {
			return denied, nil
		}
		return s.dispatch(ctx, req)
	}
}

func (s *Server) askRovodev(ctx context.Context, call mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := backend.Request{
		Backend: backend.Rovodev,
		Prompt:  call.GetString("prompt", ""),
		Shadow:  boolArg(call, "shadow"),
		Verbose: boolArg(call, "verbose"),
		Restore: boolArg(call, "restore"),
		Yolo:    boolArg(call, "yolo"),
	}
	if denied := s.approve(ctx, req.Yolo && !req.Shadow, permission.ModifyFile, "rovodev auto-approved edits"); denied != nil {
		return denied, nil
	}
	return s.dispatch(ctx, req)
}

func (s *Server) cursorAgent(ctx context.Context, call mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := backend.Request{
		Backend:      backend.Cursor,
		Prompt:       call.GetString("prompt", ""),
		Model:        call.GetString("model", ""),
		OutputFormat: call.GetString("output_format", ""),
		Dir:          call.GetString("dir", ""),
		Attachments:  listArg(call, "attachments"),
		AutoApprove:  boolArg(call, "auto_approve"),
	}
	if denied := s.approve(ctx, req.AutoApprove, permission.ModifyFile, "cursor auto-approved edits"); denied != nil {
		return denied, nil
	}
	return s.dispatch(ctx, req)
}

func (s *Server) droidExec(ctx context.Context, call mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := backend.Request{
		Backend:               backend.Droid,
		Prompt:                call.GetString("prompt", ""),
		Autonomy:              call.GetString("autonomy", ""),
		SessionID:             call.GetString("session_id", ""),
		SkipPermissionsUnsafe: boolArg(call, "skip_permissions_unsafe"),
		Attachments:           listArg(call, "attachments"),
		Dir:                   call.GetString("dir", ""),
		OutputFormat:          call.GetString("output_format", ""),
	}
	if err := droidPermissions(s.gate, req); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.dispatch(ctx, req)
}

// droidPermissions checks droid's own autonomy flags against the gate.
func droidPermissions(gate permission.Gate, req backend.Request) error {
	if req.Autonomy != "" {
		requested, err := permission.ParseAutonomyLevel(req.Autonomy)
		if err != nil {
			return err
		}
		if err := permission.RequireLevel(gate, requested, "droid autonomy "+req.Autonomy); err != nil {
			return err
		}
	}
	if req.SkipPermissionsUnsafe {
		return permission.RequireLevel(gate, permission.High, "skip_permissions_unsafe")
	}
	return nil
}

func (s *Server) runWorkflow(ctx context.Context, call mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := call.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("'name' is required"), nil
	}
	params := aiflow.Params{}
	if raw := strings.TrimSpace(call.GetString("params", "")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("params must be a JSON object: %v", err)), nil
		}
	}
	result, err := s.executor.Execute(ctx, name, params)
	if err != nil {
		msg := err.Error()
		if result != nil {
			msg = fmt.Sprintf("%s (workflow id %s)", msg, result.WorkflowID)
		}
		return mcp.NewToolResultError(msg), nil
	}
	return mcp.NewToolResultText(result.Output), nil
}

func (s *Server) listWorkflows(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflows := s.executor.Registry().List()
	if len(workflows) == 0 {
		return mcp.NewToolResultText("No workflows registered."), nil
	}
	var b strings.Builder
	for _, w := range workflows {
		fmt.Fprintf(&b, "## %s\n\n%s\n", w.Name, w.Description)
		for _, in := range w.Inputs {
			req := ""
			if in.Required {
				req = ", required"
			}
			fmt.Fprintf(&b, "- `%s` (%s%s): %s\n", in.Name, in.Type, req, in.Description)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(strings.TrimSpace(b.String())), nil
}

func (s *Server) backendStatus(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var b strings.Builder
	if s.circuits != nil {
		b.WriteString("# Circuits\n\n")
		for _, name := range backend.All {
			st := s.circuits.State(string(name))
			fmt.Fprintf(&b, "- %s: %s (failures: %d)\n", name, st.State, st.Failures)
		}
		b.WriteString("\n")
	}
	if s.stats != nil {
		b.WriteString("# Usage\n\n")
		b.WriteString(s.stats.Recommendations())
	}
	return mcp.NewToolResultText(strings.TrimSpace(b.String())), nil
}

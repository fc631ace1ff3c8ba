package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouteArgs(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		command string
		want    []string
	}{
		{
			name:    "gemini with model and flags",
			req:     Request{Backend: Gemini, Prompt: "p", Model: "gemini-2.5-flash", Sandbox: true, ApprovalMode: "auto_edit", Yolo: true, AllFiles: true, Debug: true},
			command: "gemini",
			want:    []string{"-m", "gemini-2.5-flash", "-s", "--approval-mode", "auto_edit", "-y", "-a", "-d", "-p", "p"},
		},
		{
			name:    "qwen long flags",
			req:     Request{Backend: Qwen, Prompt: "p", Yolo: true, AllFiles: true, Debug: true, ApprovalMode: "plan"},
			command: "qwen",
			want:    []string{"--model", QwenPrimaryModel, "--approval-mode", "plan", "--yolo", "--all-files", "--debug", "-p", "p"},
		},
		{
			name:    "rovodev positional prompt",
			req:     Request{Backend: Rovodev, Prompt: "do it", Shadow: true, Verbose: true, Restore: true, Yolo: true, Model: "ignored"},
			command: "acli",
			want:    []string{"rovodev", "run", "--shadow", "--verbose", "--restore", "--yolo", "do it"},
		},
		{
			name: "cursor attachments",
			req: Request{Backend: Cursor, Prompt: "why", Model: "gpt-5", OutputFormat: "text", Dir: "/src",
				Attachments: []string{"a.go", "b.go"}, AutoApprove: true},
			command: "cursor-agent",
			want:    []string{"-p", "--model", "gpt-5", "--output-format", "text", "--cwd", "/src", "--file", "a.go", "--file", "b.go", "--auto-approve", "why"},
		},
		{
			name: "droid exec",
			req: Request{Backend: Droid, Prompt: "plan", Autonomy: "medium", SessionID: "s1", SkipPermissionsUnsafe: true,
				Attachments: []string{"a.go"}, Dir: "/src", OutputFormat: "json"},
			command: "droid",
			want:    []string{"exec", "--auto", "medium", "--session-id", "s1", "--skip-permissions-unsafe", "--file", "a.go", "--cwd", "/src", "--output-format", "json", "plan"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, ok := DefaultRoutes()[tt.req.Backend]
			require.True(t, ok)
			require.Equal(t, tt.command, route.Command)
			require.Equal(t, tt.want, route.Args(tt.req, route.resolveModel(tt.req)))
		})
	}
}

func TestParseBackend(t *testing.T) {
	for input, want := range map[string]Backend{
		"gemini":       Gemini,
		"GEMINI":       Gemini,
		" qwen ":       Qwen,
		"cursor-agent": Cursor,
		"droid":        Droid,
		"rovodev":      Rovodev,
	} {
		got, err := ParseBackend(input)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestCanFallback(t *testing.T) {
	route := DefaultRoutes()[Gemini]
	require.True(t, route.canFallback(GeminiPrimaryModel))
	require.False(t, route.canFallback(GeminiFallbackModel))
	require.False(t, route.canFallback("gemini-2.5-pro"))
	require.False(t, DefaultRoutes()[Droid].canFallback(""))
}

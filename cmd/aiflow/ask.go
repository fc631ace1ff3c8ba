package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/permission"
)

var askReq backend.Request

var askCmd = &cobra.Command{
	Use:   "ask <backend> <prompt...>",
	Short: "Send a prompt to one backend",
	Long: `Send a prompt to gemini, qwen, rovodev, cursor (cursor-agent) or droid and
print its output. Flags a backend does not understand are ignored.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := backend.ParseBackend(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, appOptions{Confirmer: confirmOnTerminal})
		if err != nil {
			return err
		}
		defer a.Close()

		req := askReq
		req.Backend = b
		req.Prompt = strings.Join(args[1:], " ")
		if req.Autonomy != "" {
			level, err := permission.ParseAutonomyLevel(req.Autonomy)
			if err != nil {
				return err
			}
			if err := permission.RequireLevel(a.gate, level, "--auto "+req.Autonomy); err != nil {
				return err
			}
		}
		if req.SkipPermissionsUnsafe {
			if err := permission.RequireLevel(a.gate, permission.High, "--skip-permissions-unsafe"); err != nil {
				return err
			}
		}
		if autoEdits(req) {
			if err := a.gate.RequestPermission(cmd.Context(), permission.ModifyFile, string(b)+" auto-approved edits"); err != nil {
				return err
			}
		}
		if stream, _ := cmd.Flags().GetBool("stream"); stream {
			req.OnProgress = func(chunk string) { fmt.Fprintln(os.Stderr, chunk) }
		}
		out, err := a.dispatcher.Execute(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

// autoEdits reports whether req lets the backend change files unprompted.
func autoEdits(req backend.Request) bool {
	return req.Yolo && !req.Shadow ||
		req.AutoApprove ||
		req.ApprovalMode == "yolo" || req.ApprovalMode == "auto_edit"
}

func init() {
	f := askCmd.Flags()
	f.StringVarP(&askReq.Model, "model", "m", "", "model override")
	f.BoolVar(&askReq.Sandbox, "sandbox", false, "gemini/qwen: run tools in a sandbox")
	f.StringVar(&askReq.ApprovalMode, "approval-mode", "", "gemini/qwen: default, auto_edit or yolo")
	f.BoolVar(&askReq.Yolo, "yolo", false, "approve every tool call")
	f.BoolVar(&askReq.AllFiles, "all-files", false, "gemini/qwen: include every file in context")
	f.BoolVar(&askReq.Debug, "debug", false, "gemini/qwen: debug output")
	f.BoolVar(&askReq.Shadow, "shadow", false, "rovodev: work on a temporary copy")
	f.BoolVar(&askReq.Verbose, "verbose", false, "rovodev: verbose tool output")
	f.BoolVar(&askReq.Restore, "restore", false, "rovodev: continue the last session")
	f.StringVar(&askReq.OutputFormat, "output-format", "", "cursor/droid: output format")
	f.StringVar(&askReq.Dir, "dir", "", "cursor/droid: working directory")
	f.StringSliceVar(&askReq.Attachments, "file", nil, "cursor/droid: attach a file (repeatable)")
	f.BoolVar(&askReq.AutoApprove, "auto-approve", false, "cursor: apply changes without asking")
	f.StringVar(&askReq.Autonomy, "auto", "", "droid: autonomy low, medium or high")
	f.StringVar(&askReq.SessionID, "session-id", "", "droid: continue a session")
	f.BoolVar(&askReq.SkipPermissionsUnsafe, "skip-permissions-unsafe", false, "droid: skip every permission check")
	f.Bool("stream", false, "print output lines as they arrive")
	rootCmd.AddCommand(askCmd)
}

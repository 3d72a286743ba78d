package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentgate/agentgate/internal/runtime"
	"github.com/agentgate/agentgate/internal/sandbox"
)

// toolDefs declares the workspace tools offered to the model in development
// mode. Schemas are deliberately loose; the executor validates the parts it
// needs.
func toolDefs() []runtime.ToolDef {
	obj := func(props string, required ...string) json.RawMessage {
		req, _ := json.Marshal(required)
		return json.RawMessage(fmt.Sprintf(
			`{"type":"object","properties":{%s},"required":%s}`, props, req))
	}
	return []runtime.ToolDef{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace. Returns the full file content.",
			InputSchema: obj(`"path":{"type":"string"}`, "path"),
		},
		{
			Name:        "write_file",
			Description: "Write the full new content of a file in the workspace, creating it if needed.",
			InputSchema: obj(`"path":{"type":"string"},"content":{"type":"string"}`, "path", "content"),
		},
		{
			Name:        "list_directory",
			Description: "List entries under a workspace directory. Set recursive to walk the whole tree.",
			InputSchema: obj(`"path":{"type":"string"},"recursive":{"type":"boolean"}`),
		},
		{
			Name:        "run_command",
			Description: "Run an allow-listed shell command in the workspace root and return its output.",
			InputSchema: obj(`"command":{"type":"string"}`, "command"),
		},
		{
			Name:        "apply_patch",
			Description: "Apply a unified diff to the workspace. The patch must apply cleanly or nothing changes.",
			InputSchema: obj(`"patch":{"type":"string"}`, "patch"),
		},
	}
}

// sandboxExecutor bridges model tool calls onto the session sandbox.
type sandboxExecutor struct {
	sb *sandbox.Sandbox
}

func (e *sandboxExecutor) Execute(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	var args struct {
		Path      string `json:"path"`
		Content   string `json:"content"`
		Recursive bool   `json:"recursive"`
		Command   string `json:"command"`
		Patch     string `json:"patch"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return fmt.Sprintf("invalid tool input: %v", err), true
		}
	}

	switch name {
	case "read_file":
		res, err := e.sb.ReadFile(args.Path)
		if err != nil {
			return err.Error(), true
		}
		return res.Content, false

	case "write_file":
		res, err := e.sb.WriteFile(args.Path, args.Content)
		if err != nil {
			return err.Error(), true
		}
		return fmt.Sprintf("wrote %d bytes to %s", res.Size, args.Path), false

	case "list_directory":
		path := args.Path
		if path == "" {
			path = "."
		}
		entries, err := e.sb.ListDirectory(path, args.Recursive)
		if err != nil {
			return err.Error(), true
		}
		return strings.Join(entries, "\n"), false

	case "run_command":
		res, err := e.sb.ExecuteShell(ctx, args.Command)
		if err != nil {
			return err.Error(), true
		}
		out := res.Stdout
		if res.Stderr != "" {
			out += "\n" + res.Stderr
		}
		if res.ExitCode != 0 {
			return fmt.Sprintf("exit code %d\n%s", res.ExitCode, out), true
		}
		return out, false

	case "apply_patch":
		if err := e.sb.ApplyPatch(ctx, args.Patch); err != nil {
			return err.Error(), true
		}
		return "patch applied", false

	default:
		return fmt.Sprintf("unknown tool %q", name), true
	}
}

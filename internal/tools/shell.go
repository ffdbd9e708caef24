package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// maxShellOutput caps combined output returned to the LLM.
const maxShellOutput = 64 * 1024

// ExecTool runs a shell command in the workspace. The agent loop's tool
// timeout arrives through ctx.
type ExecTool struct {
	workspace string
}

func NewExecTool(workspace string) *ExecTool {
	return &ExecTool{workspace: workspace}
}

func (t *ExecTool) Name() string        { return "exec" }
func (t *ExecTool) Description() string { return "Execute a shell command and return its output" }

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workspace

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	output := out.String()
	if len(output) > maxShellOutput {
		output = output[:maxShellOutput] + "\n... (truncated)"
	}

	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out\n%s", output))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, output)).WithError(err)
	}
	if output == "" {
		return SilentResult("(no output)")
	}
	return SilentResult(output)
}

package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const maxCommandOutput = 64 << 10

type bashInput struct {
	Command string `json:"command" jsonschema_description:"Shell command to run; the executable must be on the allow-list"`
}

func (b *Builtins) bashTool() Tool {
	return New("bash", "Run an allow-listed shell command", CategorySystem,
		func(ctx context.Context, input bashInput) (string, error) {
			if err := b.policy.CheckCommand(input.Command); err != nil {
				return "", err
			}

			cmd := exec.CommandContext(ctx, "sh", "-c", input.Command)
			output, err := cmd.CombinedOutput()

			text := strings.TrimRight(string(output), "\n")
			if len(text) > maxCommandOutput {
				text = text[:maxCommandOutput] + "\n... output truncated"
			}

			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if err != nil {
				if text != "" {
					return "", fmt.Errorf("%w: %s", err, text)
				}
				return "", err
			}
			return text, nil
		})
}

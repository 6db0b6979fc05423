package cacheprobe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandDropper evicts the page cache by running a shell command, typically
// one that needs elevated privileges.
type CommandDropper struct {
	Command string
}

// Drop runs the command through sh. An empty command is a no-op.
func (d CommandDropper) Drop(ctx context.Context) error {
	command := strings.TrimSpace(d.Command)
	if command == "" {
		return nil
	}
	// #nosec G204 -- command comes from local configuration.
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("drop caches %q: %w (%s)", command, err, strings.TrimSpace(output.String()))
	}
	return nil
}

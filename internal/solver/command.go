package solver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Command runs an external program with the image on stdin and reads the
// code from stdout.
type Command struct {
	Argv []string
}

// NewCommand parses a whitespace-separated command line.
func NewCommand(line string) (*Command, error) {
	argv := strings.Fields(line)
	if len(argv) == 0 {
		return nil, fmt.Errorf("solver command is empty")
	}
	return &Command{Argv: argv}, nil
}

func (c *Command) Solve(ctx context.Context, image []byte) (string, error) {
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(image)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("%s: %s", c.Argv[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%s: %w", c.Argv[0], err)
	}
	return normalize(string(out)), nil
}

package detector

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// CommandDetector runs a command that exits 0 when the process is running.
// It backs the operator-provided check_command of the status report.
type CommandDetector struct {
	Command string
	Timeout time.Duration
}

func (d CommandDetector) Alive() (bool, error) {
	cmdStr := strings.TrimSpace(d.Command)
	if cmdStr == "" {
		return false, errors.New("empty detector command")
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	// #nosec G204 operator-provided check
	err := exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr).Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }

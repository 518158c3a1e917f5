package process

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/loykin/tunnelkeeper/internal/logger"
)

// Spec describes one supervised process.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`        // program, or a full shell command line when Args is empty
	Args    []string `json:"args,omitempty"` // argument vector; when set Command is executed directly
	WorkDir string   `json:"work_dir"`
	Env     []string `json:"env"`
	PIDFile string   `json:"pid_file"`
	// LogFile receives stdout and stderr combined, appended across restarts.
	LogFile string            `json:"log_file"`
	Log     logger.FileConfig `json:"-"`
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("process " + s.Name + ": command is required")
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the spec.
// With Args the command runs as-is. Otherwise Command is a command line: it
// avoids invoking a shell when not necessary, and honours an explicit shell
// invocation already present (e.g. "sh -c 'echo hi'") without double-wrapping.
func (s Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(s.Command, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if script, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", script)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <script>" style prefixes and returns the
// script with one pair of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		after, ok := strings.CutPrefix(trim, p)
		if !ok {
			continue
		}
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}

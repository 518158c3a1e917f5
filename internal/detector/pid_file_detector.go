//go:build !windows

package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// pidAlive returns true if a process with given pid exists (or EPERM).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDMeta is the optional second line of a PID file. StartUnix guards
// against PID reuse after the recorded process exited.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// WritePIDFile records pid and its start time.
func WritePIDFile(path string, pid int) error {
	meta, _ := json.Marshal(PIDMeta{StartUnix: ProcStartUnix(pid)})
	content := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadPIDFile parses a PID file written by WritePIDFile. Files holding only
// a PID are accepted; meta is zero in that case.
func ReadPIDFile(path string) (int, PIDMeta, error) {
	var meta PIDMeta
	data, err := os.ReadFile(path) // #nosec G304 configured path
	if err != nil {
		return 0, meta, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, meta, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if len(lines) > 1 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &meta)
	}
	return pid, meta, nil
}

// PIDFileDetector detects a process via a PID file.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	pids, err := d.PIDs()
	return len(pids) > 0, err
}

// PIDs returns the recorded PID when that process is still the one that
// wrote the file.
func (d PIDFileDetector) PIDs() ([]int, error) {
	pid, meta, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if meta.StartUnix > 0 {
		cur := ProcStartUnix(pid)
		if cur > 0 && cur != meta.StartUnix {
			return nil, nil // PID reused; not our process
		}
	}
	if !pidAlive(pid) || isZombie(pid) {
		return nil, nil
	}
	return []int{pid}, nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID) && !isZombie(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }

// isZombie reports a Linux zombie (State: Z); elsewhere it is always false.
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return strings.Contains(string(b), "State:\tZ")
}

package detector

import (
	"context"
	"os"
	"regexp"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PatternDetector matches running processes by their full command line,
// the way `pkill -f <pattern>` does. The calling process is never matched.
type PatternDetector struct {
	Pattern *regexp.Regexp
	// Exclude lists additional PIDs that must not be reported.
	Exclude []int
}

func (d PatternDetector) Alive() (bool, error) {
	pids, err := d.PIDs()
	return len(pids) > 0, err
}

func (d PatternDetector) PIDs() ([]int, error) {
	if d.Pattern == nil {
		return nil, nil
	}
	procs, err := gopsproc.ProcessesWithContext(context.Background())
	if err != nil {
		return nil, err
	}
	skip := map[int]bool{os.Getpid(): true, os.Getppid(): true}
	for _, p := range d.Exclude {
		skip[p] = true
	}
	var out []int
	for _, p := range procs {
		pid := int(p.Pid)
		if skip[pid] {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue // exited meanwhile or not permitted
		}
		if d.Pattern.MatchString(cmdline) {
			out = append(out, pid)
		}
	}
	return out, nil
}

func (d PatternDetector) Describe() string {
	if d.Pattern == nil {
		return "pattern:"
	}
	return "pattern:" + d.Pattern.String()
}

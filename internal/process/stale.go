package process

import (
	"errors"
	"sort"
	"syscall"
	"time"

	"github.com/loykin/tunnelkeeper/internal/detector"
)

const stalePoll = 50 * time.Millisecond

// TerminateStale finds processes reported by the PID-capable detectors and
// terminates them: SIGTERM first, SIGKILL for those still alive after grace.
// PIDs in keep are never touched. It returns the PIDs that were signalled;
// lookup errors are joined but do not stop the sweep.
func TerminateStale(dets []detector.Detector, grace time.Duration, keep ...int) ([]int, error) {
	skip := make(map[int]bool, len(keep))
	for _, pid := range keep {
		skip[pid] = true
	}
	seen := make(map[int]bool)
	var errs []error
	for _, d := range dets {
		src, ok := d.(detector.PIDSource)
		if !ok {
			continue
		}
		pids, err := src.PIDs()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, pid := range pids {
			if pid > 0 && !skip[pid] {
				seen[pid] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil, errors.Join(errs...)
	}
	pids := make([]int, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
	sort.Ints(pids)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyAlive(pids) {
			return pids, errors.Join(errs...)
		}
		time.Sleep(stalePoll)
	}
	for _, pid := range pids {
		if ok, _ := (detector.PIDDetector{PID: pid}).Alive(); ok {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
	return pids, errors.Join(errs...)
}

func anyAlive(pids []int) bool {
	for _, pid := range pids {
		if ok, _ := (detector.PIDDetector{PID: pid}).Alive(); ok {
			return true
		}
	}
	return false
}

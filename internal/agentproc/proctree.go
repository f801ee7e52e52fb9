package agentproc

import (
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

// Reaper finds and terminates the processes a worker leaves behind.
type Reaper interface {
	// Descendants lists every live descendant of pid.
	Descendants(pid int) []int
	// Terminate kills the given processes, ignoring ones already gone.
	Terminate(pids []int)
}

// ProcessReaper implements Reaper with gopsutil.
type ProcessReaper struct {
	Log logrus.FieldLogger
}

// Descendants walks the process tree below pid breadth first.
func (r ProcessReaper) Descendants(pid int) []int {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []int
	queue := []*process.Process{root}
	seen := map[int32]bool{root.Pid: true}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, int(c.Pid))
			queue = append(queue, c)
		}
	}
	return out
}

// Terminate kills each pid that still exists.
func (r ProcessReaper) Terminate(pids []int) {
	for _, pid := range pids {
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		if err := p.Kill(); err != nil && r.Log != nil {
			r.Log.WithField("pid", pid).WithError(err).Debug("kill descendant")
		}
	}
}

// PIDAlive reports whether a process with the given pid exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

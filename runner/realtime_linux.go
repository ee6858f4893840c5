//go:build linux

package runner

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// setRealtime switches pid to SCHED_RR with the given priority, and returns the function restoring its previous
// scheduling attributes.
func setRealtime(pid, priority int) (restore func() error, err error) {
	previous, err := unix.SchedGetAttr(pid, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read scheduling attributes of PID %d", pid)
	}
	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_RR,
		Priority: uint32(priority),
	}
	if err = unix.SchedSetAttr(pid, attr, 0); err != nil {
		return nil, errors.Wrapf(err, "failed to set SCHED_RR priority %d for PID %d", priority, pid)
	}
	return func() error {
		return errors.Wrapf(unix.SchedSetAttr(pid, previous, 0),
			"failed to restore scheduling attributes of PID %d", pid)
	}, nil
}

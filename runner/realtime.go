package runner

import (
	"k8s.io/klog/v2"
	"os"
)

// realtimePriority is the SCHED_RR priority used by Realtime.
const realtimePriority = 99

// Realtime enables real-time (round-robin) scheduling for the process if enabled, and returns the function that
// restores the previous scheduling policy. It must be called on all exit paths, typically deferred.
//
// Failing to change the scheduling (e.g. missing privileges) is only logged: the run continues with the default
// scheduling.
func Realtime(enabled bool) (release func()) {
	if !enabled {
		return func() {}
	}
	pid := os.Getpid()
	klog.Infof("Enabling real-time scheduler for process: PID %d", pid)
	restore, err := setRealtime(pid, realtimePriority)
	if err != nil {
		klog.Warningf("Failed to enable real-time scheduler: %v", err)
		return func() {}
	}
	return func() {
		klog.Infof("Disabling real-time scheduler for process: PID %d", pid)
		if err := restore(); err != nil {
			klog.Warningf("Failed to disable real-time scheduler: %v", err)
		}
	}
}

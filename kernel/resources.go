package kernel

import (
	"runtime"
	"syscall"
	"time"
)

// sampleResourceUsage reports the process's current memory footprint (an
// approximation: Go's runtime exposes heap/sys allocation stats, not the
// OS-level RSS psutil reports) and cumulative CPU time consumed so far
// (user+system). runMonitor diffs the CPU time between ticks to derive a
// utilization percentage. Grounded on core.py's start_performance_monitor,
// which samples psutil.Process().memory_info().rss and
// psutil.cpu_percent(); the standard library has no single equivalent, so
// runtime.ReadMemStats and syscall.Getrusage together stand in without
// adding a process-metrics dependency.
func sampleResourceUsage() (memMB float64, cpuTime time.Duration) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memMB = float64(ms.Sys) / (1024 * 1024)

	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return memMB, 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return memMB, user + sys
}

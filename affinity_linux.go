//go:build linux

package ulrt

import "golang.org/x/sys/unix"

// maxProbeCPU bounds the manual CPUSet scan below; generous enough for any
// real machine without depending on unix.CPUSet's internal word width.
const maxProbeCPU = 1024

// setThreadAffinity pins the calling OS thread to the CPU matching rank
// modulo the number of CPUs the process is allowed to run on, via
// x/sys/unix.SchedSetaffinity.
func setThreadAffinity(rank uint64) error {
	var cur unix.CPUSet
	if err := unix.SchedGetaffinity(0, &cur); err != nil {
		return err
	}
	ncpu := 0
	for i := 0; i < maxProbeCPU; i++ {
		if cur.IsSet(i) {
			ncpu++
		}
	}
	if ncpu == 0 {
		return nil
	}
	target := int(rank) % ncpu
	seen := 0
	var set unix.CPUSet
	set.Zero()
	for i := 0; i < maxProbeCPU; i++ {
		if cur.IsSet(i) {
			if seen == target {
				set.Set(i)
				break
			}
			seen++
		}
	}
	return unix.SchedSetaffinity(0, &set)
}

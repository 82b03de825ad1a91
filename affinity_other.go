//go:build !linux

package ulrt

// setThreadAffinity is a no-op outside Linux - x/sys only exposes
// SchedSetaffinity there; Config.SetAffinity is silently ignored elsewhere.
func setThreadAffinity(rank uint64) error {
	return nil
}

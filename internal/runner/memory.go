package runner

import (
	"fmt"

	gopsproc "github.com/shirou/gopsutil/v3/process"
)

// sampleRSS reads the resident set size, in bytes, of the process with the
// given pid.
func sampleRSS(pid int) (int64, error) {
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("open process %d: %w", pid, err)
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("read memory info for pid %d: %w", pid, err)
	}
	return int64(info.RSS), nil
}

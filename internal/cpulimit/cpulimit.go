// Package cpulimit derives the worker-pool fan-out limit shared by the
// scanner, chain builder, and fuzzy engine: the number of CPUs this
// process is actually scheduled across, not a hardcoded guess.
package cpulimit

import (
	"sync"

	"golang.org/x/sys/unix"
)

var (
	once  sync.Once
	count int
)

// Count returns the number of CPUs available to this process via its
// scheduler affinity mask, falling back to 4 if the mask can't be read.
func Count() int {
	once.Do(func() {
		var set unix.CPUSet
		if err := unix.SchedGetaffinity(0, &set); err == nil {
			count = set.Count()
		}
		if count <= 0 {
			count = 4
		}
	})
	return count
}

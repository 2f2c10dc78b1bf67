package driver

import (
	"bytes"
	"os"
)

// gateSubstring must appear in the name the just-installed driver itself
// reports for this process before its fd is accepted. This mirrors a
// self-check the driver's original author built into the JNI binding
// layer; the exact substring is project-specific and intentionally not
// configurable.
const gateSubstring = "mamu"

// selfCheckGate asks drv for this process's own process info and reports
// whether the gate substring is present in the name the driver reports
// back - a round trip through the driver itself, not just a local
// cmdline read, so a driver that cannot resolve our own pid is rejected
// the same as one that resolves it to an unexpected name.
func selfCheckGate(drv Driver) bool {
	_, name, err := drv.ProcessInfo(int32(os.Getpid()))
	if err != nil {
		return false
	}
	return bytes.Contains([]byte(name), []byte(gateSubstring))
}

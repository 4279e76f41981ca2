//go:build linux

package term

import (
	"fmt"
	"os"
)

// processCwd resolves the working directory of a live process from procfs.
func processCwd(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
}

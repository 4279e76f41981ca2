//go:build darwin

package term

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// processCwd resolves the working directory of a live process. macOS has no
// procfs, so this shells out to lsof; -Fn emits machine-readable lines where
// the cwd row is prefixed with "n".
func processCwd(pid int) (string, error) {
	out, err := exec.Command("lsof", "-a", "-p", strconv.Itoa(pid), "-d", "cwd", "-Fn").Output()
	if err != nil {
		return "", fmt.Errorf("lsof: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "n") && len(line) > 1 {
			return line[1:], nil
		}
	}
	return "", fmt.Errorf("lsof: no cwd row for pid %d", pid)
}

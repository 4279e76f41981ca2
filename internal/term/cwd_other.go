//go:build !linux && !darwin

package term

import "errors"

func processCwd(pid int) (string, error) {
	return "", errors.New("cwd probe not supported on this platform")
}

// Package paths resolves the two path conventions the orchestrator relies on:
// home-shorthand expansion (a leading tilde meaning the user's home directory)
// and the per-project session-log directory derived from a working directory.
package paths

import (
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
)

// ExpandHome resolves a leading home-shorthand against the current user's
// home directory. Paths without the shorthand pass through unchanged, which
// makes the expansion idempotent: expand(expand(p)) == expand(p).
func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return path
	}
	return expanded
}

// Flatten converts an absolute path into the session-log directory name:
// every path separator is replaced by a dash, the leading separator included,
// so "/home/u/proj" becomes "-home-u-proj".
func Flatten(abs string) string {
	return strings.ReplaceAll(abs, string(filepath.Separator), "-")
}

// SessionLogDir maps a working directory onto its per-project session-log
// directory under root. The working directory is home-expanded and made
// absolute first so the flattened name is stable regardless of how the
// caller spelled the path.
func SessionLogDir(root, workingDir string) string {
	abs := ExpandHome(workingDir)
	if !filepath.IsAbs(abs) {
		if a, err := filepath.Abs(abs); err == nil {
			abs = a
		}
	}
	return filepath.Join(ExpandHome(root), Flatten(abs))
}

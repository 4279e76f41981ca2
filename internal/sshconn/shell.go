package sshconn

import "strings"

// ShellQuote single-quotes s for a POSIX shell, escaping embedded quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// RemoteDirArg quotes a directory argument for a remote cd. A leading
// home-shorthand stays outside the quotes so the remote shell expands it.
func RemoteDirArg(dir string) string {
	if strings.HasPrefix(dir, "~") {
		rest := dir[1:]
		if rest == "" {
			return "~"
		}
		return "~" + ShellQuote(rest)
	}
	return ShellQuote(dir)
}

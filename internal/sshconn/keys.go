package sshconn

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/ptyfleet/ptyfleet/internal/paths"
)

// defaultKeyNames is the canonical private-key search order under ~/.ssh,
// used when a machine has no explicit key path configured.
var defaultKeyNames = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// LoadSigner reads and parses the private key at path. Home-shorthand is
// expanded locally.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(paths.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return signer, nil
}

// FindSigner picks the key for a machine: the explicit path when set,
// otherwise the first readable, parsable key from the canonical list.
func FindSigner(explicit *string) (ssh.Signer, error) {
	if explicit != nil && *explicit != "" {
		return LoadSigner(*explicit)
	}
	sshDir := paths.ExpandHome("~/.ssh")
	for _, name := range defaultKeyNames {
		signer, err := LoadSigner(filepath.Join(sshDir, name))
		if err == nil {
			return signer, nil
		}
	}
	return nil, fmt.Errorf("no usable private key under %s (tried %v)", sshDir, defaultKeyNames)
}

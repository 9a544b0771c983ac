package session

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	nerrors "sshfwd/internal/errors"
)

// publicKeyAuth loads the private key at keyPath.  A non-empty
// passphrase decrypts it; an encrypted key without a passphrase is an
// error rather than a prompt since the daemon runs unattended.
func publicKeyAuth(keyPath, passphrase string) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("decrypting key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}

	signer, err = ssh.ParsePrivateKey(data)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			return nil, fmt.Errorf("key %s is encrypted: set SSH_PASSPHRASE", keyPath)
		}
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

// ── host-key verification ────────────────────────────────────────────

// hostKeyCallback verifies against knownHostsPath when set and accepts
// any host key otherwise.
func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		//nolint:gosec // unattended forwarder; opt in with SSH_KNOWN_HOSTS
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", knownHostsPath, err)
	}
	return cb, nil
}

// isHostKeyError reports whether a handshake failed on host key
// verification.
func isHostKeyError(err error) bool {
	var ke *knownhosts.KeyError
	var re *knownhosts.RevokedError
	return nerrors.As(err, &ke) || nerrors.As(err, &re)
}

package sshauth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ParseSigner parses PEM key material, decrypting with passphrase when the
// key is protected. A protected key with no passphrase surfaces the
// library's *ssh.PassphraseMissingError so callers can ask the user.
func ParseSigner(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key with passphrase: %w", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, err
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// CertifiedSigner pairs a private key signer with an authorized_keys-format
// certificate so the publickey method presents the certificate.
func CertifiedSigner(signer ssh.Signer, certBytes []byte) (ssh.Signer, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(certBytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	cert, ok := pub.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("certificate material is a %s, not an SSH certificate", pub.Type())
	}
	certSigner, err := ssh.NewCertSigner(cert, signer)
	if err != nil {
		return nil, fmt.Errorf("bind certificate to key: %w", err)
	}
	return certSigner, nil
}

// DefaultKey is one conventional on-disk key that parsed successfully.
type DefaultKey struct {
	Path   string
	Signer ssh.Signer
}

// DiscoverDefaultKeys scans dir (or ~/.ssh when dir is empty) for the given
// conventional key file names. Keys that need a passphrase get one from
// passphrase(path); when it returns ok=false the key is skipped and its path
// is reported in encrypted so the caller can offer a passphrase prompt after
// a failed attempt.
func DiscoverDefaultKeys(dir string, names []string, passphrase func(path string) (string, bool)) (keys []DefaultKey, encrypted []string) {
	if dir == "" {
		home, err := homedir.Dir()
		if err != nil {
			log.Warnf("sshauth: cannot resolve home directory: %v", err)
			return nil, nil
		}
		dir = filepath.Join(home, ".ssh")
	} else if expanded, err := homedir.Expand(dir); err == nil {
		dir = expanded
	}

	for _, name := range names {
		path := filepath.Join(dir, name)
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			continue // missing keys are the normal case
		}

		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err == nil {
			keys = append(keys, DefaultKey{Path: path, Signer: signer})
			continue
		}

		var missing *ssh.PassphraseMissingError
		if !errors.As(err, &missing) {
			log.Debugf("sshauth: skipping unparseable key %s: %v", path, err)
			continue
		}

		pass, ok := passphrase(path)
		if !ok {
			encrypted = append(encrypted, path)
			continue
		}

		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(pass))
		if err != nil {
			log.Debugf("sshauth: passphrase did not unlock %s: %v", path, err)
			encrypted = append(encrypted, path)
			continue
		}
		keys = append(keys, DefaultKey{Path: path, Signer: signer})
	}

	return keys, encrypted
}

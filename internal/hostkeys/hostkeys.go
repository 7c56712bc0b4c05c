// Package hostkeys resolves the host key verification policy for outbound
// SSH connections.
package hostkeys

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const systemWideKnownHosts = "/etc/ssh/ssh_known_hosts"

// Policy selects how server host keys are verified.
type Policy struct {
	// Callback, when set, wins over everything else.
	Callback ssh.HostKeyCallback

	// KnownHostsFile points at an explicit known_hosts file.
	KnownHostsFile string

	// UseDefaults falls back to ~/.ssh/known_hosts plus the system-wide
	// file when no explicit file is configured.
	UseDefaults bool
}

// Resolve turns a Policy into an ssh.HostKeyCallback.
//
// The zero Policy accepts any host key: the desktop shell owns the
// trust-on-first-use dialog, so by default the engine does not second-guess
// keys the user has already accepted there.
func Resolve(p Policy) (ssh.HostKeyCallback, error) {
	if p.Callback != nil {
		return p.Callback, nil
	}

	var files []string

	if p.KnownHostsFile != "" {
		path, err := homedir.Expand(p.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("expand known_hosts path %q: %w", p.KnownHostsFile, err)
		}
		found, err := foundFile(path)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("known_hosts file %q does not exist", path)
		}
		files = append(files, path)
	} else if p.UseDefaults {
		var err error
		files, err = defaultKnownHostsFiles()
		if err != nil {
			return nil, err
		}
	}

	if len(files) == 0 {
		log.Debug("host key verification disabled, accepting any key")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	cb, err := knownhosts.New(files...)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return cb, nil
}

// defaultKnownHostsFiles returns the conventional OpenSSH known_hosts
// locations that exist on this machine.
func defaultKnownHostsFiles() ([]string, error) {
	var files []string

	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}

	// Check existence first to prevent auto-vivification of the file.
	userFile := filepath.Join(home, ".ssh", "known_hosts")
	if found, err := foundFile(userFile); err != nil {
		return nil, err
	} else if found {
		files = append(files, userFile)
	}

	// SSH doesn't exist natively on Windows and each implementation keeps
	// known_hosts somewhere else; the explicit KnownHostsFile covers that.
	if runtime.GOOS != "windows" {
		if found, err := foundFile(systemWideKnownHosts); err != nil {
			return nil, err
		} else if found {
			files = append(files, systemWideKnownHosts)
		}
	}

	return files, nil
}

func foundFile(file string) (bool, error) {
	if _, err := os.Stat(file); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

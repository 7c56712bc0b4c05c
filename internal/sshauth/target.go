// Package sshauth drives SSH authentication negotiation: it orders candidate
// credentials, reacts to server-advertised methods and partial-success
// replies, and remembers which method worked per host identity.
package sshauth

import (
	"fmt"
	"net"
	"strconv"
)

// Method names as they appear on the SSH wire.
const (
	MethodPublicKey           = "publickey"
	MethodPassword            = "password"
	MethodKeyboardInteractive = "keyboard-interactive"
)

// Credentials is the material available for one target. Every field is
// optional; the negotiator builds its candidate order from what is present.
type Credentials struct {
	Password string

	// PrivateKey is PEM-encoded key material; Passphrase decrypts it when
	// the key is protected.
	PrivateKey []byte
	Passphrase string

	// Certificate is an authorized_keys-format SSH certificate paired with
	// PrivateKey.
	Certificate []byte

	// UseAgent tries the ambient SSH agent. The agent is also tried
	// automatically when no other credential is configured.
	UseAgent bool
}

// Target identifies one SSH endpoint and the credentials for it.
// Immutable per connection attempt; never persisted.
type Target struct {
	Host        string
	Port        int
	User        string
	Credentials Credentials
}

// Addr returns the dialable host:port, defaulting the port to 22.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Identity keys the auth-method cache: username@host:port.
func (t Target) Identity() string {
	return fmt.Sprintf("%s@%s", t.User, t.Addr())
}

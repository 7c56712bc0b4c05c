package sshauth

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// AuthMethods adapts a Negotiator's candidate order to x/crypto/ssh, which
// drives the method trial loop itself. The library retires a method *name*
// after one failed offer, so every publickey candidate collapses into a
// single callback that returns all signers in candidate order; otherwise a
// rejected agent or explicit key would silently skip the default on-disk
// keys. Password and keyboard-interactive stay one callback each. The
// callbacks report offers back to the negotiator so FirstAccepted stays
// meaningful on the live path.
//
// kbd handles keyboard-interactive challenges; pass nil to drop that
// candidate (the library would otherwise prompt into the void).
func AuthMethods(n *Negotiator, kbd ssh.KeyboardInteractiveChallenge) []ssh.AuthMethod {
	var out []ssh.AuthMethod
	pubkeyEmitted := false

	for _, cand := range n.candidates {
		cand := cand
		switch cand.Method {
		case MethodPublicKey:
			if pubkeyEmitted {
				continue
			}
			pubkeyEmitted = true
			out = append(out, ssh.PublicKeysCallback(n.publicKeySigners))

		case MethodPassword:
			out = append(out, ssh.PasswordCallback(func() (string, error) {
				n.markOffered(cand)
				return cand.Password, nil
			}))

		case MethodKeyboardInteractive:
			if kbd == nil {
				continue
			}
			out = append(out, ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				n.markOffered(cand)
				return kbd(name, instruction, questions, echos)
			}))
		}
	}

	return out
}

// publicKeySigners gathers the signers of every publickey candidate in
// candidate order, marking each as offered. A candidate whose signers
// cannot be produced (agent gone away) is skipped so the remaining keys
// still get their turn.
func (n *Negotiator) publicKeySigners() ([]ssh.Signer, error) {
	var signers []ssh.Signer
	for _, cand := range n.candidates {
		if cand.Method != MethodPublicKey {
			continue
		}
		n.markOffered(cand)
		got := cand.Signers
		if cand.SignersFunc != nil {
			var err error
			got, err = cand.SignersFunc()
			if err != nil {
				log.Debugf("sshauth %s: %s signers unavailable: %v", n.identity, cand.Label, err)
				continue
			}
		}
		signers = append(signers, got...)
	}
	return signers, nil
}

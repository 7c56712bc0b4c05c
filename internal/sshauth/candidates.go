package sshauth

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// BuildOptions carries the ambient material a Target does not: the
// discovered agent, the default key directory configuration, and the cache.
type BuildOptions struct {
	// Agent, when non-nil, contributes an agent-backed publickey candidate.
	Agent agent.Agent

	// KeyDir/KeyNames configure default on-disk key discovery.
	// Empty KeyNames disables discovery.
	KeyDir   string
	KeyNames []string

	// UnlockPassphrase, when set, is tried against the explicit private key
	// and every passphrase-protected default key. Used by the one-shot
	// passphrase retry after an attempt failed with encrypted keys skipped.
	UnlockPassphrase string

	// Cache promotes the previously successful method for this identity.
	Cache *MethodCache

	// AllowInteractive keeps the keyboard-interactive candidate in the
	// order. One-shot exec with interactivity disabled drops it.
	AllowInteractive bool
}

// BuildCandidates assembles the ordered candidate list for one target:
// agent/certificate first, then explicit private key, password, viable
// default on-disk keys, and keyboard-interactive as last resort. The
// returned encrypted list names keys skipped for want of a passphrase.
func BuildCandidates(t Target, opts BuildOptions) (*Negotiator, []string, error) {
	var candidates []*Candidate
	var encrypted []string

	creds := t.Credentials

	// Agent-backed keys: the private keys never enter this process.
	// Tried automatically when no other credential is configured.
	wantAgent := creds.UseAgent ||
		(creds.Password == "" && len(creds.PrivateKey) == 0)
	if wantAgent && opts.Agent != nil {
		ag := opts.Agent
		candidates = append(candidates, &Candidate{
			Method:      MethodPublicKey,
			Label:       "agent",
			SignersFunc: func() ([]ssh.Signer, error) { return ag.Signers() },
		})
	}

	// Explicit private key, optionally wrapped in a certificate.
	if len(creds.PrivateKey) > 0 {
		passphrase := creds.Passphrase
		if passphrase == "" {
			passphrase = opts.UnlockPassphrase
		}
		signer, err := ParseSigner(creds.PrivateKey, passphrase)
		switch {
		case err == nil:
			label := "private key"
			if len(creds.Certificate) > 0 {
				certSigner, certErr := CertifiedSigner(signer, creds.Certificate)
				if certErr != nil {
					return nil, nil, certErr
				}
				signer = certSigner
				label = "certificate"
			}
			candidates = append(candidates, &Candidate{
				Method:  MethodPublicKey,
				Label:   label,
				Signers: []ssh.Signer{signer},
			})
		case isPassphraseMissing(err):
			log.Debugf("sshauth %s: configured key is encrypted and no passphrase was given", t.Identity())
			encrypted = append(encrypted, "configured key")
		default:
			return nil, nil, err
		}
	}

	if creds.Password != "" {
		candidates = append(candidates, &Candidate{
			Method:   MethodPassword,
			Label:    "password",
			Password: creds.Password,
		})
	}

	if len(opts.KeyNames) > 0 {
		defaults, skipped := DiscoverDefaultKeys(opts.KeyDir, opts.KeyNames, func(string) (string, bool) {
			if opts.UnlockPassphrase != "" {
				return opts.UnlockPassphrase, true
			}
			return "", false
		})
		for _, dk := range defaults {
			candidates = append(candidates, &Candidate{
				Method:  MethodPublicKey,
				Label:   "default key " + dk.Path,
				Signers: []ssh.Signer{dk.Signer},
			})
		}
		encrypted = append(encrypted, skipped...)
	}

	if opts.AllowInteractive {
		candidates = append(candidates, &Candidate{
			Method: MethodKeyboardInteractive,
			Label:  "keyboard-interactive",
		})
	}

	var cached string
	if opts.Cache != nil {
		cached, _ = opts.Cache.Recall(t.Identity())
	}

	return NewNegotiator(t.Identity(), candidates, cached), encrypted, nil
}

func isPassphraseMissing(err error) bool {
	var missing *ssh.PassphraseMissingError
	return errors.As(err, &missing)
}

package sshauth

import (
	"io"

	log "github.com/sirupsen/logrus"
	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh/agent"
)

// DiscoverAgent connects to the ambient SSH agent (SSH_AUTH_SOCK on
// unix-likes, Pageant or the OpenSSH named pipe on Windows). Returns
// (nil, nil, nil) when no agent is reachable — that is not an error, the
// negotiator just builds its candidates without one.
func DiscoverAgent() (agent.Agent, io.Closer, error) {
	if !sshagent.Available() {
		return nil, nil, nil
	}

	ag, conn, err := sshagent.New()
	if err != nil {
		// A configured-but-broken agent should not kill the attempt.
		log.Warnf("sshauth: ssh agent unavailable: %v", err)
		return nil, nil, nil
	}
	return ag, conn, nil
}

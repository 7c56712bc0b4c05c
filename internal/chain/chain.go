// Package chain builds end-to-end SSH transports through ordered jump-host
// chains, with an optional proxy in front of the first hop, and owns the
// authentication of every hop and the final target.
package chain

import (
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Status is the per-hop progress state reported while a chain is built.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusForwarding Status = "forwarding"
	StatusError      Status = "error"
)

// Progress is one observability event during chain construction. Hop is the
// zero-based hop index; the final target reports as Hop == len(hops).
type Progress struct {
	Hop    int
	Host   string
	Status Status
	Err    error
}

// HopError says exactly which hop of a chain failed, so a two-hop chain
// rejected by hop 2 surfaces hop 2's failure rather than a generic timeout.
type HopError struct {
	Hop  int
	Host string
	Err  error
}

func (e *HopError) Error() string {
	return fmt.Sprintf("jump host %d (%s): %v", e.Hop+1, e.Host, e.Err)
}

func (e *HopError) Unwrap() error { return e.Err }

// Connection is an authenticated SSH client to the final target plus every
// hop client underneath it. Hops are owned transitively: the Connection
// tears them down with itself, in reverse hop order, exactly once.
type Connection struct {
	Client *ssh.Client

	hops []io.Closer // hop clients in dial order

	settled  sync.Once
	stopKeep chan struct{}
	keepOnce sync.Once
}

// Close releases the protocol client first, then every chain connection in
// reverse hop order. Safe to call more than once; later calls are no-ops.
func (c *Connection) Close() error {
	var err error
	c.settled.Do(func() {
		c.stopKeepalive()
		if c.Client != nil {
			err = c.Client.Close()
		}
		for i := len(c.hops) - 1; i >= 0; i-- {
			if cerr := c.hops[i].Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// StartKeepalive sends keepalive@openssh.com on the target client at the
// given interval until the connection closes, so a dead transport surfaces
// as an error on the session instead of a silent hang. interval <= 0 is a
// no-op.
func (c *Connection) StartKeepalive(interval time.Duration) {
	if interval <= 0 || c.Client == nil {
		return
	}
	c.stopKeep = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, _, err := c.Client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
					log.Debugf("chain: keepalive failed, transport is gone: %v", err)
					return
				}
			case <-c.stopKeep:
				return
			}
		}
	}()
}

func (c *Connection) stopKeepalive() {
	if c.stopKeep == nil {
		return
	}
	c.keepOnce.Do(func() { close(c.stopKeep) })
}

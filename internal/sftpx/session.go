package sftpx

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/YU-7/Netcatty-sub002/internal/chain"
)

// Entry is one directory listing item with its name decoded to UTF-8.
type Entry struct {
	Name    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool
}

type opOptions struct {
	encoding string
}

// OpOption adjusts a single file operation.
type OpOption func(*opOptions)

// WithEncoding overrides the session's filename encoding for one call. The
// session's resolved state is untouched.
func WithEncoding(enc string) OpOption {
	return func(o *opOptions) { o.encoding = enc }
}

func applyOpts(opts []OpOption) opOptions {
	var o opOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Session is one SFTP connection: the protocol client, the SSH transport it
// runs over and any jump-chain hops, torn down together exactly once. Paths
// cross the API in UTF-8 and are converted with the session's resolved
// filename encoding on the wire.
type Session struct {
	ID   string
	Sudo bool

	mgr      *Manager
	client   *sftp.Client
	conn     *chain.Connection
	sudoSess *ssh.Session // non-nil in sudo mode; owns the elevated channel
	codec    *pathCodec

	settled sync.Once
}

// Encoding reports the session's filename encoding, "auto" while unresolved.
func (s *Session) Encoding() string { return s.codec.Resolved() }

// Client exposes the underlying protocol client for streaming consumers.
func (s *Session) Client() *sftp.Client { return s.client }

// List reads a directory. The first listing without a per-call override
// resolves an auto session's encoding by probing the raw names for invalid
// UTF-8.
func (s *Session) List(dir string, opts ...OpOption) ([]Entry, error) {
	o := applyOpts(opts)
	c, _, err := s.codec.forCall(o.encoding)
	if err != nil {
		return nil, err
	}

	infos, err := s.client.ReadDir(encodePath(c, dir))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	if o.encoding == "" {
		raw := make([]string, len(infos))
		for i, fi := range infos {
			raw[i] = fi.Name()
		}
		s.codec.resolveFromNames(raw)
		// Re-fetch: resolution may have just picked the fallback codec.
		c, _, _ = s.codec.forCall("")
	}

	entries := make([]Entry, len(infos))
	for i, fi := range infos {
		entries[i] = Entry{
			Name:    decodeName(c, fi.Name()),
			Size:    fi.Size(),
			Mode:    fi.Mode(),
			ModTime: fi.ModTime(),
			IsDir:   fi.IsDir(),
		}
	}
	return entries, nil
}

// Stat returns metadata for one path.
func (s *Session) Stat(p string, opts ...OpOption) (Entry, error) {
	c, _, err := s.codec.forCall(applyOpts(opts).encoding)
	if err != nil {
		return Entry{}, err
	}
	fi, err := s.client.Stat(encodePath(c, p))
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", p, err)
	}
	return Entry{
		Name:    path.Base(p),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}, nil
}

// ReadFile returns the whole remote file.
func (s *Session) ReadFile(p string, opts ...OpOption) ([]byte, error) {
	f, err := s.OpenRead(p, opts...)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

// WriteFile replaces the remote file with data.
func (s *Session) WriteFile(p string, data []byte, opts ...OpOption) error {
	f, err := s.OpenWrite(p, opts...)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return f.Close()
}

// OpenRead opens a remote file for streaming reads.
func (s *Session) OpenRead(p string, opts ...OpOption) (*sftp.File, error) {
	c, _, err := s.codec.forCall(applyOpts(opts).encoding)
	if err != nil {
		return nil, err
	}
	f, err := s.client.Open(encodePath(c, p))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", p, err)
	}
	return f, nil
}

// OpenWrite creates (or truncates) a remote file for streaming writes.
func (s *Session) OpenWrite(p string, opts ...OpOption) (*sftp.File, error) {
	c, _, err := s.codec.forCall(applyOpts(opts).encoding)
	if err != nil {
		return nil, err
	}
	f, err := s.client.OpenFile(encodePath(c, p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", p, err)
	}
	return f, nil
}

// Mkdir creates one directory.
func (s *Session) Mkdir(p string, opts ...OpOption) error {
	c, _, err := s.codec.forCall(applyOpts(opts).encoding)
	if err != nil {
		return err
	}
	if err := s.client.Mkdir(encodePath(c, p)); err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	return nil
}

// MkdirAll creates a directory and any missing parents. Sessions on a
// non-UTF-8 encoding walk the components themselves because the client
// library's recursive call assumes UTF-8 paths.
func (s *Session) MkdirAll(p string, opts ...OpOption) error {
	c, name, err := s.codec.forCall(applyOpts(opts).encoding)
	if err != nil {
		return err
	}
	if name == EncodingUTF8 {
		if err := s.client.MkdirAll(p); err != nil {
			return fmt.Errorf("mkdir -p %s: %w", p, err)
		}
		return nil
	}

	var cur string
	for _, part := range strings.Split(path.Clean(p), "/") {
		if part == "" {
			cur = "/"
			continue
		}
		cur = path.Join(cur, part)
		enc := encodePath(c, cur)
		if fi, err := s.client.Stat(enc); err == nil {
			if !fi.IsDir() {
				return fmt.Errorf("mkdir -p %s: %s is not a directory", p, cur)
			}
			continue
		}
		if err := s.client.Mkdir(enc); err != nil {
			return fmt.Errorf("mkdir -p %s: creating %s: %w", p, cur, err)
		}
	}
	return nil
}

// Remove deletes one file or empty directory.
func (s *Session) Remove(p string, opts ...OpOption) error {
	c, _, err := s.codec.forCall(applyOpts(opts).encoding)
	if err != nil {
		return err
	}
	if err := s.client.Remove(encodePath(c, p)); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

// RemoveAll deletes a path recursively. Non-UTF-8 sessions walk entries
// manually, staying in raw encoded bytes the whole way down.
func (s *Session) RemoveAll(p string, opts ...OpOption) error {
	c, name, err := s.codec.forCall(applyOpts(opts).encoding)
	if err != nil {
		return err
	}
	if name == EncodingUTF8 {
		if err := s.client.RemoveAll(p); err != nil {
			return fmt.Errorf("rm -r %s: %w", p, err)
		}
		return nil
	}
	if err := s.removeAllRaw(encodePath(c, p)); err != nil {
		return fmt.Errorf("rm -r %s: %w", p, err)
	}
	return nil
}

func (s *Session) removeAllRaw(enc string) error {
	fi, err := s.client.Stat(enc)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return s.client.Remove(enc)
	}
	entries, err := s.client.ReadDir(enc)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.removeAllRaw(enc + "/" + e.Name()); err != nil {
			return err
		}
	}
	return s.client.RemoveDirectory(enc)
}

// Rename moves a file or directory.
func (s *Session) Rename(oldPath, newPath string, opts ...OpOption) error {
	c, _, err := s.codec.forCall(applyOpts(opts).encoding)
	if err != nil {
		return err
	}
	if err := s.client.Rename(encodePath(c, oldPath), encodePath(c, newPath)); err != nil {
		return fmt.Errorf("rename %s: %w", oldPath, err)
	}
	return nil
}

// Chmod changes permission bits.
func (s *Session) Chmod(p string, mode os.FileMode, opts ...OpOption) error {
	c, _, err := s.codec.forCall(applyOpts(opts).encoding)
	if err != nil {
		return err
	}
	if err := s.client.Chmod(encodePath(c, p), mode); err != nil {
		return fmt.Errorf("chmod %s: %w", p, err)
	}
	return nil
}

// Close tears the session down: protocol client first, then the elevated
// channel (sudo mode), then the transport and chain hops in reverse. The
// owning manager's close hook runs so dependents (file watches) cascade.
// Safe to call more than once.
func (s *Session) Close() {
	s.settled.Do(func() {
		if s.mgr != nil {
			s.mgr.sessionClosed(s.ID)
		}
		if s.client != nil {
			if err := s.client.Close(); err != nil {
				log.Debugf("sftpx: closing client for %s: %v", s.ID, err)
			}
		}
		if s.sudoSess != nil {
			s.sudoSess.Close()
		}
		if s.conn != nil {
			s.conn.Close()
		}
		log.Infof("sftpx: session %s closed", s.ID)
	})
}

// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package sftp

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
)

const (
	defaultPoolSize       = 10
	defaultIdleTimeout    = 10 * time.Minute
	defaultConnectTimeout = 30 * time.Second
)

// conn is one pooled SSH+SFTP session.
type conn struct {
	ssh       *ssh.Client
	sftp      *sftp.Client
	idleSince time.Time
}

func (c *conn) close() {
	_ = c.sftp.Close()
	_ = c.ssh.Close()
}

// pool reuses SFTP sessions to one host+port+username, with bounded
// capacity and idle expiry.
type pool struct {
	cfg   *destination.SFTPConfig
	slots chan struct{}

	mu   sync.Mutex
	idle []*conn
}

func newPool(cfg *destination.SFTPConfig, size int) *pool {
	if size <= 0 {
		size = defaultPoolSize
	}
	return &pool{
		cfg:   cfg,
		slots: make(chan struct{}, size),
	}
}

// acquire returns a session, reusing an idle one when possible. It blocks
// while the pool is at capacity until a slot frees or ctx is done.
func (p *pool) acquire(ctx context.Context) (*conn, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, Error.Wrap(ctx.Err())
	}

	p.reap()

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := dial(ctx, p.cfg)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return c, nil
}

// release returns a healthy session to the pool; failed sessions are closed.
func (p *pool) release(c *conn, failed bool) {
	defer func() { <-p.slots }()

	if failed {
		c.close()
		return
	}
	c.idleSince = time.Now()
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// reap drops idle sessions past the idle timeout.
func (p *pool) reap() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.idle[:0]
	for _, c := range p.idle {
		if time.Since(c.idleSince) > defaultIdleTimeout {
			c.close()
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
}

func (p *pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		c.close()
	}
	p.idle = nil
}

// poolSet holds one pool per host+port+username.
type poolSet struct {
	mu    sync.Mutex
	size  int
	pools map[string]*pool
}

func newPoolSet(size int) *poolSet {
	return &poolSet{size: size, pools: make(map[string]*pool)}
}

func (set *poolSet) get(cfg *destination.SFTPConfig) *pool {
	key := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + "|" + cfg.Username

	set.mu.Lock()
	defer set.mu.Unlock()
	p, ok := set.pools[key]
	if !ok {
		p = newPool(cfg, set.size)
		set.pools[key] = p
	}
	return p
}

func (set *poolSet) close() {
	set.mu.Lock()
	defer set.mu.Unlock()
	for _, p := range set.pools {
		p.close()
	}
	set.pools = make(map[string]*pool)
}

// dial opens an SSH connection and starts an SFTP session on it.
func dial(ctx context.Context, cfg *destination.SFTPConfig) (*conn, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: auth,
		// Destinations are operator-registered endpoints; host keys are
		// not pinned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         defaultConnectTimeout,
	}

	address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{Timeout: defaultConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, Error.New("connection failed: %v", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, sshConfig)
	if err != nil {
		_ = netConn.Close()
		return nil, Error.New("authentication failed: %v", err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, Error.New("sftp session failed: %v", err)
	}
	return &conn{ssh: sshClient, sftp: sftpClient}, nil
}

func authMethods(cfg *destination.SFTPConfig) ([]ssh.AuthMethod, error) {
	if cfg.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, Error.New("invalid config: cannot parse private key: %v", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	}
	return nil, Error.New("invalid config: no authentication configured")
}

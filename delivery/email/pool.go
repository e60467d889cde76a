// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package email

import (
	"context"
	"net/smtp"
	"sync"
	"time"
)

// poolDefaults bound SMTP connection reuse.
const (
	defaultPoolSize       = 5
	defaultMaxMessages    = 100
	defaultIdleTimeout    = 5 * time.Minute
	defaultConnectTimeout = 30 * time.Second
)

// smtpConn is one pooled SMTP connection.
type smtpConn struct {
	client    *smtp.Client
	messages  int
	idleSince time.Time
}

// smtpPool reuses SMTP connections for one credential fingerprint, with
// bounded capacity, a per-connection message cap, and idle expiry.
type smtpPool struct {
	dial        func(ctx context.Context) (*smtp.Client, error)
	maxMessages int
	idleTimeout time.Duration

	slots chan struct{}

	mu   sync.Mutex
	idle []*smtpConn
}

func newSMTPPool(size int, dial func(ctx context.Context) (*smtp.Client, error)) *smtpPool {
	if size <= 0 {
		size = defaultPoolSize
	}
	return &smtpPool{
		dial:        dial,
		maxMessages: defaultMaxMessages,
		idleTimeout: defaultIdleTimeout,
		slots:       make(chan struct{}, size),
	}
}

// acquire returns a connection, reusing an idle one when possible. It
// blocks while the pool is at capacity until a slot frees or ctx is done.
func (pool *smtpPool) acquire(ctx context.Context) (*smtpConn, error) {
	select {
	case pool.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, Error.Wrap(ctx.Err())
	}

	pool.reapLocked()

	pool.mu.Lock()
	if n := len(pool.idle); n > 0 {
		conn := pool.idle[n-1]
		pool.idle = pool.idle[:n-1]
		pool.mu.Unlock()
		return conn, nil
	}
	pool.mu.Unlock()

	client, err := pool.dial(ctx)
	if err != nil {
		<-pool.slots
		return nil, err
	}
	return &smtpConn{client: client}, nil
}

// release returns a healthy connection to the pool; broken or worn-out
// connections are closed.
func (pool *smtpPool) release(conn *smtpConn, failed bool) {
	defer func() { <-pool.slots }()

	conn.messages++
	if failed || conn.messages >= pool.maxMessages {
		_ = conn.client.Close()
		return
	}
	conn.idleSince = time.Now()
	pool.mu.Lock()
	pool.idle = append(pool.idle, conn)
	pool.mu.Unlock()
}

// reapLocked drops idle connections past the idle timeout.
func (pool *smtpPool) reapLocked() {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	kept := pool.idle[:0]
	for _, conn := range pool.idle {
		if time.Since(conn.idleSince) > pool.idleTimeout {
			_ = conn.client.Close()
			continue
		}
		kept = append(kept, conn)
	}
	pool.idle = kept
}

// close shuts down all idle connections.
func (pool *smtpPool) close() {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for _, conn := range pool.idle {
		_ = conn.client.Quit()
	}
	pool.idle = nil
}

// poolSet holds one pool per credential fingerprint.
type poolSet struct {
	mu    sync.Mutex
	size  int
	pools map[string]*smtpPool
}

func newPoolSet(size int) *poolSet {
	return &poolSet{size: size, pools: make(map[string]*smtpPool)}
}

func (set *poolSet) get(key string, dial func(ctx context.Context) (*smtp.Client, error)) *smtpPool {
	set.mu.Lock()
	defer set.mu.Unlock()
	pool, ok := set.pools[key]
	if !ok {
		pool = newSMTPPool(set.size, dial)
		set.pools[key] = pool
	}
	return pool
}

func (set *poolSet) close() {
	set.mu.Lock()
	defer set.mu.Unlock()
	for _, pool := range set.pools {
		pool.close()
	}
	set.pools = make(map[string]*smtpPool)
}

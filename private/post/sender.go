// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package post

import (
	"context"
	"crypto/tls"
	"net"
	"net/smtp"
	"time"
)

// SMTPSender is the SMTP transport for one server and credential set.
type SMTPSender struct {
	ServerAddress string
	Auth          smtp.Auth
	// ForceTLS dials with implicit TLS instead of STARTTLS.
	ForceTLS       bool
	ConnectTimeout time.Duration
}

// Dial opens, upgrades, and authenticates a client connection. The caller
// owns the returned client and may reuse it for multiple messages.
func (sender *SMTPSender) Dial(ctx context.Context) (*smtp.Client, error) {
	host, _, err := net.SplitHostPort(sender.ServerAddress)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	dialer := net.Dialer{Timeout: sender.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", sender.ServerAddress)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if sender.ForceTLS {
		conn = tls.Client(conn, &tls.Config{ServerName: host})
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return nil, Error.Wrap(err)
	}

	if !sender.ForceTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
				_ = client.Close()
				return nil, Error.Wrap(err)
			}
		}
	}

	if sender.Auth != nil {
		if err := client.Auth(sender.Auth); err != nil {
			_ = client.Close()
			return nil, Error.New("authentication failed: %v", err)
		}
	}

	return client, nil
}

// Send transmits one message over an open client, leaving the connection
// reusable.
func Send(client *smtp.Client, msg *Message) error {
	if err := client.Mail(msg.From.Address); err != nil {
		return Error.Wrap(err)
	}
	for _, to := range msg.To {
		if err := client.Rcpt(to.Address); err != nil {
			return Error.Wrap(err)
		}
	}

	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	writer, err := client.Data()
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return Error.Wrap(err)
	}
	return Error.Wrap(writer.Close())
}

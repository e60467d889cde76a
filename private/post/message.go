// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package post implements email message composition and SMTP sending.
package post

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default post errs class.
var Error = errs.Class("post")

// Address is an alias to net/mail.Address.
type Address = mail.Address

// Part is a mime part of a message body.
type Part struct {
	Type    string
	Content string
}

// Attachment is a file attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is an email message with optional alternative parts and
// attachments.
type Message struct {
	From      Address
	To        []Address
	Subject   string
	Headers   map[string]string
	PlainText string
	Parts     []Part

	Attachments []Attachment

	Date time.Time
}

// Size returns the approximate wire size of the message in bytes.
func (msg *Message) Size() int64 {
	size := int64(len(msg.Subject) + len(msg.PlainText))
	for _, part := range msg.Parts {
		size += int64(len(part.Content))
	}
	for _, att := range msg.Attachments {
		// base64 expands content by 4/3
		size += int64(len(att.Content))*4/3 + int64(len(att.Filename))
	}
	return size
}

// Bytes renders the message into RFC 5322 wire form.
func (msg *Message) Bytes() (data []byte, err error) {
	var body bytes.Buffer

	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}

	fmt.Fprintf(&body, "From: %s\r\n", msg.From.String())
	tos := make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		tos = append(tos, to.String())
	}
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(tos, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&body, "Date: %s\r\n", date.Format(time.RFC1123Z))
	for key, value := range msg.Headers {
		fmt.Fprintf(&body, "%s: %s\r\n", key, value)
	}
	fmt.Fprintf(&body, "MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&body)
	fmt.Fprintf(&body, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	if err := msg.writeBody(writer); err != nil {
		return nil, Error.Wrap(err)
	}
	for _, att := range msg.Attachments {
		if err := writeAttachment(writer, att); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, Error.Wrap(err)
	}

	return body.Bytes(), nil
}

func (msg *Message) writeBody(writer *multipart.Writer) error {
	if msg.PlainText != "" {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "text/plain; charset=UTF-8")
		part, err := writer.CreatePart(header)
		if err != nil {
			return err
		}
		if _, err := part.Write([]byte(msg.PlainText)); err != nil {
			return err
		}
	}
	for _, p := range msg.Parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", p.Type)
		part, err := writer.CreatePart(header)
		if err != nil {
			return err
		}
		if _, err := part.Write([]byte(p.Content)); err != nil {
			return err
		}
	}
	return nil
}

func writeAttachment(writer *multipart.Writer, att Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Transfer-Encoding", "base64")
	header.Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", att.Filename))
	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(att.Content)
	// wrap base64 lines at 76 characters
	for len(encoded) > 0 {
		n := 76
		if n > len(encoded) {
			n = len(encoded)
		}
		if _, err := fmt.Fprintf(part, "%s\r\n", encoded[:n]); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}

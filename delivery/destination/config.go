// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package destination

import (
	"encoding/json"
	"net/mail"
	"net/url"
	"path"
	"strings"
	"time"
)

// Seconds is a duration carried as an integer count of seconds in JSON
// destination configs.
type Seconds time.Duration

// Duration converts to time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// MarshalJSON implements json.Marshaler.
func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(time.Duration(s) / time.Second))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Seconds) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = Seconds(time.Duration(n) * time.Second)
	return nil
}

// Millis is a duration carried as an integer count of milliseconds in JSON
// destination configs.
type Millis time.Duration

// Duration converts to time.Duration.
func (m Millis) Duration() time.Duration { return time.Duration(m) }

// MarshalJSON implements json.Marshaler.
func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(time.Duration(m) / time.Millisecond))
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Millis) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*m = Millis(time.Duration(n) * time.Millisecond)
	return nil
}

// Config is a union of per-type destination configurations. Exactly one of
// the typed members matching the destination type must be set.
type Config struct {
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
	Email    *EmailConfig    `json:"email,omitempty"`
	SFTP     *SFTPConfig     `json:"sftp,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Download *DownloadConfig `json:"download,omitempty"`
}

// RetryOverride lets a destination tighten the global retry policy.
type RetryOverride struct {
	MaxRetries        int     `json:"maxRetries"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	MaxBackoffDelay   Millis  `json:"maxBackoffDelay"`
}

// WebhookConfig configures an HTTP webhook destination.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout Millis            `json:"timeout,omitempty"`
	Retry   *RetryOverride    `json:"retryConfig,omitempty"`
}

// SMTPConfig holds SMTP transport settings for the email handler.
type SMTPConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure"`
	User   string `json:"user"`
	Pass   string `json:"pass"`
}

// EmailConfig configures an email destination.
type EmailConfig struct {
	Service        string      `json:"service"`
	From           string      `json:"from"`
	Subject        string      `json:"subject"`
	BodyTemplate   string      `json:"bodyTemplate,omitempty"`
	AttachmentName string      `json:"attachmentName,omitempty"`
	Recipients     []string    `json:"recipients,omitempty"`
	SMTP           *SMTPConfig `json:"smtpConfig,omitempty"`
	APIKey         string      `json:"apiKey,omitempty"`
}

// SFTPConfig configures an SFTP destination. Exactly one of Password and
// PrivateKey must be set.
type SFTPConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Path       string `json:"path"`
	Filename   string `json:"filename,omitempty"`
}

// StorageConfig configures an object storage destination.
type StorageConfig struct {
	Provider string `json:"provider"`
	Bucket   string `json:"bucket"`
	Region   string `json:"region,omitempty"`
	Path     string `json:"path"`
	// Endpoint overrides the S3 endpoint; required for azure-backed
	// S3-compatible gateways, optional otherwise.
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
}

// DownloadConfig configures a download-link destination.
type DownloadConfig struct {
	TTL       Seconds `json:"ttlSeconds"`
	MaxAccess int     `json:"maxAccess,omitempty"`
}

// ValidationResult reports the outcome of validating a configuration.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

func (r *ValidationResult) addError(msg string)   { r.Errors = append(r.Errors, msg) }
func (r *ValidationResult) addWarning(msg string) { r.Warnings = append(r.Warnings, msg) }

func (r *ValidationResult) finish() ValidationResult {
	r.Valid = len(r.Errors) == 0
	return *r
}

// MaxRecipients bounds the recipient list of an email destination.
const MaxRecipients = 50

// Validate checks the union invariant and the per-type constraints that can
// be enforced without contacting the endpoint. Invalid configurations are
// rejected at CRUD time and never enqueued.
func (c Config) Validate(typ Type) ValidationResult {
	var res ValidationResult

	switch typ {
	case TypeWebhook:
		if c.Webhook == nil {
			res.addError("webhook config missing")
			break
		}
		c.Webhook.validate(&res)
	case TypeEmail:
		if c.Email == nil {
			res.addError("email config missing")
			break
		}
		c.Email.validate(&res)
	case TypeSFTP:
		if c.SFTP == nil {
			res.addError("sftp config missing")
			break
		}
		c.SFTP.validate(&res)
	case TypeStorage:
		if c.Storage == nil {
			res.addError("storage config missing")
			break
		}
		c.Storage.validate(&res)
	case TypeDownload:
		if c.Download == nil {
			res.addError("download config missing")
			break
		}
		c.Download.validate(&res)
	default:
		res.addError("unknown destination type: " + string(typ))
	}

	return res.finish()
}

func (c *WebhookConfig) validate(res *ValidationResult) {
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		res.addError("url must be an absolute http(s) URL")
	} else if u.Scheme == "http" {
		res.addWarning("url is not using https")
	}
	switch c.Method {
	case "", "POST", "PUT":
	default:
		res.addError("method must be POST or PUT")
	}
	if timeout := c.Timeout.Duration(); timeout != 0 && (timeout < time.Second || timeout > 5*time.Minute) {
		res.addError("timeout must be between 1s and 5m")
	}
	if r := c.Retry; r != nil {
		if r.MaxRetries < 0 || r.MaxRetries > 10 {
			res.addError("retryConfig.maxRetries must be between 0 and 10")
		}
		if r.BackoffMultiplier < 1 || r.BackoffMultiplier > 10 {
			res.addError("retryConfig.backoffMultiplier must be between 1 and 10")
		}
		if delay := r.MaxBackoffDelay.Duration(); delay < time.Second || delay > time.Hour {
			res.addError("retryConfig.maxBackoffDelay must be between 1s and 1h")
		}
	}
}

func (c *EmailConfig) validate(res *ValidationResult) {
	switch c.Service {
	case "smtp", "sendgrid", "resend", "ses":
	default:
		res.addError("service must be one of smtp, sendgrid, resend, ses")
	}
	if _, err := mail.ParseAddress(c.From); err != nil {
		res.addError("from is not a valid email address")
	}
	if c.Subject == "" {
		res.addError("subject is required")
	} else if len(c.Subject) > 998 {
		res.addError("subject exceeds 998 characters")
	}
	if len(c.Recipients) > MaxRecipients {
		res.addError("too many recipients")
	}
	for _, rcpt := range c.Recipients {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			res.addError("invalid recipient: " + rcpt)
		}
	}
	if c.Service == "smtp" {
		if c.SMTP == nil {
			res.addError("smtpConfig is required for service smtp")
		} else {
			if c.SMTP.Host == "" {
				res.addError("smtpConfig.host is required")
			}
			if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
				res.addError("smtpConfig.port must be between 1 and 65535")
			}
			if c.SMTP.User == "" || c.SMTP.Pass == "" {
				res.addError("smtpConfig.auth requires user and pass")
			}
		}
	}
}

func (c *SFTPConfig) validate(res *ValidationResult) {
	if c.Host == "" {
		res.addError("host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		res.addError("port must be between 1 and 65535")
	}
	if c.Username == "" {
		res.addError("username is required")
	}
	hasPassword := c.Password != ""
	hasKey := c.PrivateKey != ""
	if hasPassword == hasKey {
		res.addError("exactly one of password and privateKey must be set")
	}
	if !path.IsAbs(c.Path) {
		res.addError("path must be absolute")
	}
}

func (c *StorageConfig) validate(res *ValidationResult) {
	switch c.Provider {
	case "s3", "gcp":
	case "azure":
		if c.Endpoint == "" {
			res.addError("azure requires an S3-compatible gateway endpoint")
		}
	default:
		res.addError("provider must be one of s3, gcp, azure")
	}
	if c.Bucket == "" {
		res.addError("bucket is required")
	}
	if strings.HasPrefix(c.Path, "/") {
		res.addWarning("path should be relative to the bucket root")
	}
}

func (c *DownloadConfig) validate(res *ValidationResult) {
	if c.TTL <= 0 {
		res.addError("ttlSeconds must be positive")
	}
	if c.MaxAccess < 0 {
		res.addError("maxAccess must not be negative")
	}
}

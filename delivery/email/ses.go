// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package email

import (
	"context"
	"os"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/private/post"
)

// sesProvider sends through Amazon SES. Credentials come from the standard
// AWS environment.
type sesProvider struct {
	once    sync.Once
	client  *sesv2.Client
	initErr error
}

func newSESProvider() *sesProvider { return &sesProvider{} }

func (p *sesProvider) Name() string { return "ses" }

func (p *sesProvider) RateLimits() RateLimits {
	return RateLimits{RequestsPerSecond: 14, RequestsPerMinute: 840, RequestsPerHour: 50000, BurstLimit: 14}
}

func (p *sesProvider) Validate(cfg *destination.EmailConfig) []string {
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" && os.Getenv("AWS_PROFILE") == "" &&
		os.Getenv("AWS_ROLE_ARN") == "" {
		return []string{"ses requires AWS credentials in the environment"}
	}
	if os.Getenv("AWS_REGION") == "" && os.Getenv("AWS_DEFAULT_REGION") == "" {
		return []string{"ses requires AWS_REGION in the environment"}
	}
	return nil
}

func (p *sesProvider) init(ctx context.Context) error {
	p.once.Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			p.initErr = Error.Wrap(err)
			return
		}
		p.client = sesv2.NewFromConfig(cfg)
	})
	return p.initErr
}

func (p *sesProvider) Send(ctx context.Context, cfg *destination.EmailConfig, msg *post.Message) (string, error) {
	if err := p.init(ctx); err != nil {
		return "", err
	}

	raw, err := msg.Bytes()
	if err != nil {
		return "", err
	}

	out, err := p.client.SendEmail(ctx, &sesv2.SendEmailInput{
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return "", Error.Wrap(err)
	}
	if out.MessageId == nil {
		return "", nil
	}
	return *out.MessageId, nil
}

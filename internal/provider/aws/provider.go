// Package aws builds the AWS clients used by the instance availability check
// and the escrow receipt archive.
package aws

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/rentgrid/backend/internal/config"
)

// Provider holds a resolved AWS configuration.
type Provider struct {
	cfg    aws.Config
	sts    *sts.Client
	logger *slog.Logger
}

// NewProvider loads AWS configuration, optionally assuming a role.
func NewProvider(ctx context.Context, cfg config.AWSConfig, logger *slog.Logger) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	// Use explicit credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	stsClient := sts.NewFromConfig(awsCfg)

	// Handle role assumption if configured
	if cfg.AssumeRoleARN != "" {
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.AssumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.ExternalID != "" {
				o.ExternalID = aws.String(cfg.ExternalID)
			}
		})
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
		stsClient = sts.NewFromConfig(awsCfg)
	}

	return &Provider{cfg: awsCfg, sts: stsClient, logger: logger}, nil
}

// Region returns the configured region.
func (p *Provider) Region() string {
	return p.cfg.Region
}

// EC2 returns an EC2 client, optionally for another region.
func (p *Provider) EC2(region string) *ec2.Client {
	return ec2.NewFromConfig(p.cfg, func(o *ec2.Options) {
		if region != "" {
			o.Region = region
		}
	})
}

// S3 returns an S3 client.
func (p *Provider) S3() *s3.Client {
	return s3.NewFromConfig(p.cfg)
}

// Health verifies the credentials by resolving the caller identity.
func (p *Provider) Health(ctx context.Context) error {
	out, err := p.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("aws credentials check: %w", err)
	}
	p.logger.Debug("aws credentials verified", "account", aws.ToString(out.Account))
	return nil
}

// Package sts performs the cross-account role assumption that backs every
// connected dashboard. It exposes the typed error taxonomy the HTTP layer
// maps to status codes.
package sts

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssts "github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/spotsave/spotsave/internal/validate"
)

const (
	// DefaultSessionName tags assumed-role sessions in CloudTrail.
	DefaultSessionName = "SpotSaveSession"

	// DefaultDurationSeconds keeps credentials short-lived; the store
	// refreshes them well before this.
	DefaultDurationSeconds = 1800
)

// Credentials are temporary credentials from a successful role assumption.
// Expiration is unix seconds. They live in memory only and are never written
// to durable storage.
type Credentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
	Expiration      int64  `json:"expiration"`
}

// STSAPI is the subset of the AWS STS client we use.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *awssts.AssumeRoleInput, optFns ...func(*awssts.Options)) (*awssts.AssumeRoleOutput, error)
}

// Client wraps the AWS STS API.
type Client struct {
	api STSAPI
	now func() time.Time // injectable for testing; defaults to time.Now
}

// NewClient creates an STS client from the host AWS config.
func NewClient(cfg aws.Config) *Client {
	return &Client{api: awssts.NewFromConfig(cfg), now: time.Now}
}

// NewClientWithAPI creates a client with a custom API implementation (for testing).
func NewClientWithAPI(api STSAPI) *Client {
	return &Client{api: api, now: time.Now}
}

// AssumeRoleParams identifies the role to assume. Zero SessionName and
// DurationSeconds take the package defaults.
type AssumeRoleParams struct {
	RoleArn         string
	ExternalID      string
	SessionName     string
	DurationSeconds int32
}

// AssumeRole obtains temporary credentials for the given role. The ARN is
// validated before any provider call; a malformed ARN fails with
// ErrInvalidRole without touching the network.
func (c *Client) AssumeRole(ctx context.Context, p AssumeRoleParams) (Credentials, error) {
	if !validate.RoleArn(p.RoleArn) {
		return Credentials{}, fmt.Errorf("%w: malformed ARN %q, expected arn:aws:iam::ACCOUNT_ID:role/ROLE_NAME", ErrInvalidRole, p.RoleArn)
	}

	sessionName := p.SessionName
	if sessionName == "" {
		sessionName = DefaultSessionName
	}
	duration := p.DurationSeconds
	if duration == 0 {
		duration = DefaultDurationSeconds
	}

	out, err := c.api.AssumeRole(ctx, &awssts.AssumeRoleInput{
		RoleArn:         aws.String(p.RoleArn),
		RoleSessionName: aws.String(sessionName),
		ExternalId:      aws.String(p.ExternalID),
		DurationSeconds: aws.Int32(duration),
	})
	if err != nil {
		return Credentials{}, translateError(p.RoleArn, err)
	}
	if out.Credentials == nil {
		return Credentials{}, fmt.Errorf("STS returned no credentials for %s", p.RoleArn)
	}

	expiration := c.now().Unix() + int64(duration)
	if out.Credentials.Expiration != nil {
		expiration = out.Credentials.Expiration.Unix()
	}

	return Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiration:      expiration,
	}, nil
}

// AreCredentialsExpired reports whether the credentials are expired or will
// expire within the buffer. Used by the HTTP gate and the refresh loop.
func AreCredentialsExpired(c Credentials, bufferMinutes int) bool {
	return credentialsExpiredAt(c, bufferMinutes, time.Now())
}

func credentialsExpiredAt(c Credentials, bufferMinutes int, now time.Time) bool {
	expiration := time.Unix(c.Expiration, 0)
	buffer := time.Duration(bufferMinutes) * time.Minute
	return !now.Before(expiration.Add(-buffer))
}

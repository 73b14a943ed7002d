package ses

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"

	"github.com/lattiq/maildispatch/internal/core"
)

// throttleCodes are the SES error codes that arrive as a 400 but mean the
// sending rate was exceeded.
var throttleCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"TooManyRequestsException": true,
}

// Provider implements core.Provider for AWS SES.
type Provider struct {
	client *ses.Client
	config core.ProviderSettings
}

// NewProvider creates a new AWS SES provider. httpClient may be nil.
func NewProvider(settings core.ProviderSettings, httpClient *http.Client) (core.Provider, error) {
	region := settings.Get("region")
	if region == "" {
		return nil, core.NewValidationError("region", "AWS region is required")
	}
	if settings.Get("from") == "" {
		return nil, core.NewValidationError("from", "sender address is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey := settings.Get("access_key"); accessKey != "" {
		secretKey := settings.Get("secret_key")
		if secretKey == "" {
			return nil, core.NewValidationError("secret_key", "secret key is required when access key is provided")
		}
		opts = append(opts, config.WithCredentialsProvider(staticCredentials(accessKey, secretKey, settings.Get("session_token"))))
	}

	cfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, core.NewValidationError("region", "failed to load AWS config: "+err.Error())
	}

	return newProvider(cfg, settings, httpClient), nil
}

func newProvider(cfg aws.Config, settings core.ProviderSettings, httpClient *http.Client) *Provider {
	client := ses.NewFromConfig(cfg, func(o *ses.Options) {
		// one network attempt per Send
		o.Retryer = aws.NopRetryer{}
		if endpoint := settings.Get("endpoint"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if httpClient != nil {
			o.HTTPClient = httpClient
		}
	})

	return &Provider{
		client: client,
		config: settings,
	}
}

func staticCredentials(accessKey, secretKey, sessionToken string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKey,
			SecretAccessKey: secretKey,
			SessionToken:    sessionToken,
		}, nil
	})
}

// Send performs a single SendEmail call.
func (p *Provider) Send(ctx context.Context, req core.SendRequest) (*core.SendResult, error) {
	input := &ses.SendEmailInput{
		Source: aws.String(p.config.Get("from")),
		Destination: &types.Destination{
			ToAddresses: []string{req.Recipient()},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(req.Subject()),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(req.BodyHTML()),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	if configSet := p.config.Get("configuration_set"); configSet != "" {
		input.ConfigurationSetName = aws.String(configSet)
	}

	output, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return nil, p.translateError(err)
	}

	return &core.SendResult{
		MessageID:  aws.ToString(output.MessageId),
		Provider:   p.Name(),
		StatusCode: http.StatusOK,
		Timestamp:  time.Now(),
	}, nil
}

func (p *Provider) translateError(err error) error {
	var re *awshttp.ResponseError
	if !errors.As(err, &re) || re.HTTPStatusCode() == 0 {
		return core.NewTransportError(p.Name(), "send", err)
	}

	pe := core.NewProviderError(p.Name(), re.HTTPStatusCode(), re.Error())
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe.Message = apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
		if throttleCodes[apiErr.ErrorCode()] {
			pe.StatusCode = http.StatusTooManyRequests
		}
	}
	return pe
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("region") == "" {
		return core.NewValidationError("region", "AWS region is required")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "aws_ses"
}

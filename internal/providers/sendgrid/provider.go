package sendgrid

import (
	"context"
	"net/http"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/lattiq/maildispatch/internal/core"
)

const sendEndpoint = "/v3/mail/send"

// Provider implements core.Provider for SendGrid.
type Provider struct {
	client *rest.Client
	config core.ProviderSettings
	from   *mail.Email
}

// NewProvider creates a new SendGrid provider. httpClient may be nil.
func NewProvider(settings core.ProviderSettings, httpClient *http.Client) (core.Provider, error) {
	if settings.Get("api_key") == "" {
		return nil, core.NewValidationError("api_key", "SendGrid API key is required")
	}
	from, err := mail.ParseEmail(settings.Get("from"))
	if err != nil {
		return nil, core.NewValidationError("from", "invalid sender address: "+err.Error())
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Provider{
		client: &rest.Client{HTTPClient: httpClient},
		config: settings,
		from:   from,
	}, nil
}

// Send performs a single call to the SendGrid v3 mail/send API.
func (p *Provider) Send(ctx context.Context, req core.SendRequest) (*core.SendResult, error) {
	to := mail.NewEmail("", req.Recipient())
	message := mail.NewSingleEmail(p.from, req.Subject(), to, "", req.BodyHTML())

	// host is the scheme and authority, the endpoint path is appended
	request := sendgrid.GetRequest(p.config.Get("api_key"), sendEndpoint, p.config.Get("endpoint"))
	request.Method = rest.Post
	request.Body = mail.GetRequestBody(message)
	if ua := p.config.Get("user_agent"); ua != "" {
		request.Headers["User-Agent"] = ua
	}

	response, err := p.client.SendWithContext(ctx, request)
	if err != nil {
		return nil, core.NewTransportError(p.Name(), "send", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, core.NewProviderError(p.Name(), response.StatusCode, response.Body)
	}

	var messageID string
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		messageID = ids[0]
	}

	return &core.SendResult{
		MessageID:  messageID,
		Provider:   p.Name(),
		StatusCode: response.StatusCode,
		Timestamp:  time.Now(),
	}, nil
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("api_key") == "" {
		return core.NewValidationError("api_key", "SendGrid API key is required")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "sendgrid"
}

package resend

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sendgrid/rest"

	"github.com/lattiq/maildispatch/internal/core"
)

const (
	// DefaultEndpoint is the Resend send-email endpoint.
	DefaultEndpoint = "https://api.resend.com/emails"

	// DefaultFrom is the sender used when none is configured.
	DefaultFrom = "ERP <onboarding@resend.dev>"
)

// Provider implements core.Provider for the Resend HTTP API.
type Provider struct {
	client *rest.Client
	config core.ProviderSettings
}

type message struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// NewProvider creates a new Resend provider. httpClient may be nil.
func NewProvider(settings core.ProviderSettings, httpClient *http.Client) (core.Provider, error) {
	if settings.Get("api_key") == "" {
		return nil, core.NewValidationError("api_key", "Resend API key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Provider{
		client: &rest.Client{HTTPClient: httpClient},
		config: settings,
	}, nil
}

// Send performs a single POST to the Resend API.
func (p *Provider) Send(ctx context.Context, req core.SendRequest) (*core.SendResult, error) {
	body, err := json.Marshal(message{
		From:    p.config.GetOr("from", DefaultFrom),
		To:      []string{req.Recipient()},
		Subject: req.Subject(),
		HTML:    req.BodyHTML(),
	})
	if err != nil {
		return nil, core.NewTransportError(p.Name(), "encode", err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + p.config.Get("api_key"),
		"Content-Type":  "application/json",
	}
	if ua := p.config.Get("user_agent"); ua != "" {
		headers["User-Agent"] = ua
	}

	response, err := p.client.SendWithContext(ctx, rest.Request{
		Method:  rest.Post,
		BaseURL: p.config.GetOr("endpoint", DefaultEndpoint),
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return nil, core.NewTransportError(p.Name(), "send", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		pe := core.NewProviderError(p.Name(), response.StatusCode, response.Body)
		var apiErr errorResponse
		if json.Unmarshal([]byte(response.Body), &apiErr) == nil {
			pe.Message = apiErr.Message
		}
		return nil, pe
	}

	var sent sendResponse
	_ = json.Unmarshal([]byte(response.Body), &sent)

	return &core.SendResult{
		MessageID:  sent.ID,
		Provider:   p.Name(),
		StatusCode: response.StatusCode,
		Timestamp:  time.Now(),
	}, nil
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("api_key") == "" {
		return core.NewValidationError("api_key", "Resend API key is required")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "resend"
}

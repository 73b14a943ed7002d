// Package providers selects the downstream email API implementation.
package providers

import (
	"fmt"
	"net/http"

	"github.com/lattiq/maildispatch/internal/core"
	"github.com/lattiq/maildispatch/internal/providers/resend"
	"github.com/lattiq/maildispatch/internal/providers/sendgrid"
	"github.com/lattiq/maildispatch/internal/providers/ses"
)

// Provider type names.
const (
	TypeResend   = "resend"
	TypeSendGrid = "sendgrid"
	TypeSES      = "aws_ses"
)

// New creates the provider named by typ.
func New(typ string, settings core.ProviderSettings, httpClient *http.Client) (core.Provider, error) {
	switch typ {
	case TypeResend, "":
		return resend.NewProvider(settings, httpClient)
	case TypeSendGrid:
		return sendgrid.NewProvider(settings, httpClient)
	case TypeSES:
		return ses.NewProvider(settings, httpClient)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", typ)
	}
}

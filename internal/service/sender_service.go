package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// maxDiagnosticLength caps the provider body stored in error_message
const maxDiagnosticLength = 300

// ProviderEndpoint addresses one messaging account on the provider
type ProviderEndpoint struct {
	BaseURL      string
	APIKey       string
	InstanceName string
}

// Validate checks the endpoint carries credentials
func (e ProviderEndpoint) Validate() error {
	if strings.TrimSpace(e.BaseURL) == "" {
		return fmt.Errorf("provider api url is not configured")
	}
	if strings.TrimSpace(e.APIKey) == "" {
		return fmt.Errorf("provider api key is not configured")
	}
	if strings.TrimSpace(e.InstanceName) == "" {
		return fmt.Errorf("instance name is empty")
	}
	return nil
}

func (e ProviderEndpoint) path(format string) string {
	return strings.TrimRight(e.BaseURL, "/") + fmt.Sprintf(format, url.PathEscape(e.InstanceName))
}

// SendResult represents the result of a send attempt
type SendResult struct {
	OK         bool
	StatusCode int
	Detail     string
	Latency    time.Duration
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type connectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

// SenderService talks to the Evolution-style messaging provider
type SenderService struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewSenderService creates a provider client. Requests are never retried here;
// retry policy belongs to the delivery loop.
func NewSenderService(timeout time.Duration, logger *zap.Logger) *SenderService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &SenderService{
		httpClient: client,
		logger:     logger.With(zap.String("component", "provider")),
	}
}

// SendText posts a text message. Network errors and non-2xx responses
// come back as OK=false with a diagnostic; the error return is reserved
// for an unusable endpoint.
func (s *SenderService) SendText(ctx context.Context, endpoint ProviderEndpoint, number, text string) (*SendResult, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetHeader("apikey", endpoint.APIKey).
		SetBody(sendTextRequest{Number: number, Text: text}).
		Post(endpoint.path("/message/sendText/%s"))

	result := &SendResult{Latency: time.Since(start)}

	if err != nil {
		result.Detail = fmt.Sprintf("provider request failed: %v", err)
		s.logger.Warn("Provider send failed",
			zap.String("instance", endpoint.InstanceName),
			zap.Error(err),
		)
		return result, nil
	}

	result.StatusCode = resp.StatusCode()
	if !resp.IsSuccess() {
		result.Detail = fmt.Sprintf("provider returned %d: %s", resp.StatusCode(), excerpt(resp.String()))
		s.logger.Warn("Provider rejected message",
			zap.String("instance", endpoint.InstanceName),
			zap.Int("status_code", resp.StatusCode()),
		)
		return result, nil
	}

	result.OK = true
	result.Detail = excerpt(resp.String())
	return result, nil
}

// ConnectionState returns the provider's live state for the instance (e.g. "open")
func (s *SenderService) ConnectionState(ctx context.Context, endpoint ProviderEndpoint) (string, error) {
	if err := endpoint.Validate(); err != nil {
		return "", err
	}

	var state connectionStateResponse
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetHeader("apikey", endpoint.APIKey).
		SetResult(&state).
		Get(endpoint.path("/instance/connectionState/%s"))
	if err != nil {
		return "", fmt.Errorf("failed to fetch connection state: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode(), excerpt(resp.String()))
	}

	return state.Instance.State, nil
}

func excerpt(body string) string {
	body = strings.TrimSpace(body)
	if len([]rune(body)) <= maxDiagnosticLength {
		return body
	}
	return string([]rune(body)[:maxDiagnosticLength]) + "..."
}

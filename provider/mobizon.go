package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const mobizonEndpoint = "https://api.mobizon.kz/service/message/sendsmsmessage"

// MobizonConfig configures the Mobizon SMS gateway adapter.
type MobizonConfig struct {
	APIKey string
	Sender string
	// DryRun skips the HTTP call and treats every send as delivered. Useful
	// in development and staging where no SMS budget exists.
	DryRun  bool
	CodeTTL time.Duration
	Digits  int
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Mobizon sends numeric codes over SMS through the Mobizon gateway.
type Mobizon struct {
	config MobizonConfig
	client *http.Client
	vault  *codeVault
}

type mobizonResponse struct {
	Code int `json:"code"`
	Data struct {
		MessageID string `json:"messageId"`
	} `json:"data"`
}

// NewMobizon builds the adapter. APIKey may be empty only in dry-run mode.
func NewMobizon(cfg MobizonConfig) (*Mobizon, error) {
	if !cfg.DryRun && cfg.APIKey == "" {
		return nil, fmt.Errorf("mobizon: api key required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Mobizon{
		config: cfg,
		client: client,
		vault:  newCodeVault(cfg.CodeTTL, cfg.Digits),
	}, nil
}

// Send generates a code, delivers it to the phone number, and returns the
// gateway message reference.
func (m *Mobizon) Send(ctx context.Context, destination string) (string, error) {
	code, ref, err := m.vault.issue(destination)
	if err != nil {
		return "", err
	}

	if m.config.DryRun {
		return ref, nil
	}

	form := url.Values{
		"apiKey":    {m.config.APIKey},
		"recipient": {destination},
		"text":      {fmt.Sprintf("Your verification code: %s", code)},
	}
	if m.config.Sender != "" {
		form.Set("from", m.config.Sender)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mobizonEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("mobizon: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mobizon: send sms: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("mobizon: read response: %w", err)
	}

	var result mobizonResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("mobizon: parse response: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("mobizon: gateway error code %d", result.Code)
	}
	if result.Data.MessageID != "" {
		ref = result.Data.MessageID
	}

	return ref, nil
}

// Check compares a submitted code against the last one sent to destination.
func (m *Mobizon) Check(_ context.Context, destination string, code string) (CheckResult, error) {
	return m.vault.check(destination, code), nil
}

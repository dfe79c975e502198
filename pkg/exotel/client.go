package exotel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/troikatech/voice-bridge/pkg/retry"
)

// Client talks to the telephony provider's REST API. Unlike the voice
// pipeline, these control-plane calls may be retried safely: connect
// and status lookups are idempotent on the provider side.
type Client struct {
	subdomain  string
	accountSID string
	apiKey     string
	apiToken   string
	httpClient *http.Client
	retryCfg   retry.Config
}

// normalizeSubdomain removes .exotel.com if already present in subdomain
func normalizeSubdomain(subdomain string) string {
	if strings.Contains(subdomain, ".exotel.com") {
		return strings.ReplaceAll(subdomain, ".exotel.com", "")
	}
	return subdomain
}

func NewClient(subdomain, accountSID, apiKey, apiToken string) *Client {
	cfg := retry.DefaultConfig()
	cfg.RetryIf = isRetryable

	return &Client{
		subdomain:  normalizeSubdomain(subdomain),
		accountSID: accountSID,
		apiKey:     apiKey,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryCfg:   cfg,
	}
}

// apiError carries the provider's HTTP status so the retry policy can
// tell transient failures from rejected requests.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("exotel API error: %s (status %d)", e.body, e.status)
}

// isRetryable retries network errors and 5xx; a 4xx will not get
// better on a second attempt.
func isRetryable(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.status >= 500
	}
	return true
}

// Configured reports whether provider credentials are present.
func (c *Client) Configured() bool {
	return c.subdomain != "" && c.accountSID != "" && c.apiKey != "" && c.apiToken != ""
}

type ConnectCallRequest struct {
	To          string // customer number being called
	Exophone    string // virtual number the call originates from
	CallType    string
	CallbackURL string // status callback endpoint
	VoicebotURL string // URL the provider fetches to open the streaming socket
}

type ConnectCallResponse struct {
	Call struct {
		Sid       string `json:"Sid"`
		Status    string `json:"Status"`
		Direction string `json:"Direction"`
	} `json:"Call"`
}

// ConnectCall places an outbound call that, once answered, is routed
// into the voicebot flow. The exophone both makes the call and shows
// as the caller ID.
func (c *Client) ConnectCall(ctx context.Context, req ConnectCallRequest) (*ConnectCallResponse, error) {
	endpoint := fmt.Sprintf("https://%s.exotel.com/v1/Accounts/%s/Calls/connect.json",
		c.subdomain, c.accountSID)

	callType := req.CallType
	if callType == "" {
		callType = "trans"
	}

	data := url.Values{}
	data.Set("From", req.Exophone)
	data.Set("To", req.To)
	data.Set("CallerId", req.Exophone)
	data.Set("CallType", callType)
	if req.VoicebotURL != "" {
		data.Set("Url", req.VoicebotURL)
	}
	if req.CallbackURL != "" {
		data.Set("StatusCallback", req.CallbackURL)
	}
	encoded := data.Encode()

	var result ConnectCallResponse
	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.postForm(ctx, endpoint, encoded, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type CallStatusResponse struct {
	Call struct {
		Sid       string `json:"Sid"`
		Status    string `json:"Status"`
		Direction string `json:"Direction"`
		From      string `json:"From"`
		To        string `json:"To"`
		StartTime string `json:"StartTime"`
		EndTime   string `json:"EndTime"`
		Duration  string `json:"Duration"`
	} `json:"Call"`
}

// GetCallStatus fetches the provider's view of a call.
func (c *Client) GetCallStatus(ctx context.Context, callSID string) (*CallStatusResponse, error) {
	endpoint := fmt.Sprintf("https://%s.exotel.com/v1/Accounts/%s/Calls/%s.json",
		c.subdomain, c.accountSID, callSID)

	var result CallStatusResponse
	err := retry.Do(ctx, c.retryCfg, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.SetBasicAuth(c.apiKey, c.apiToken)
		return c.decodeResponse(httpReq, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) postForm(ctx context.Context, endpoint, body string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.SetBasicAuth(c.apiKey, c.apiToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.decodeResponse(httpReq, out)
}

func (c *Client) decodeResponse(httpReq *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &apiError{status: resp.StatusCode, body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/finvoice/pipeline/internal/models"
)

// Client talks to the recognition provider's HTTP API. Access tokens are
// fetched lazily and cached for the life of the client.
type Client struct {
	baseURL   string
	apiKey    string
	secretKey string
	client    *http.Client

	mu    sync.Mutex
	token string
}

// NewClient creates a provider client from configuration.
func NewClient() *Client {
	baseURL := viper.GetString("ocr.api_url")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	timeout := viper.GetInt("ocr.timeout_seconds")
	if timeout <= 0 {
		timeout = 30
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    viper.GetString("ocr.api_key"),
		secretKey: viper.GetString("ocr.secret_key"),
		client: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
	}
}

// Recognize posts the document bytes to the vat_invoice endpoint and
// returns the parsed payload alongside the raw body. A non-2xx status or
// an unparseable body is a transport error; provider-level failures come
// back inside the payload's error_code.
func (c *Client) Recognize(ctx context.Context, content []byte) (*models.OCRResponse, []byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, nil, err
	}

	form := url.Values{}
	form.Set("pdf_file", base64.StdEncoding.EncodeToString(content))

	endpoint := fmt.Sprintf("%s/rest/2.0/ocr/v1/vat_invoice?access_token=%s", c.baseURL, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to call provider: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var parsed models.OCRResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &parsed, body, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	endpoint := fmt.Sprintf("%s/oauth/2.0/token?grant_type=client_credentials&client_id=%s&client_secret=%s",
		c.baseURL, url.QueryEscape(c.apiKey), url.QueryEscape(c.secretKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected token status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("provider returned empty access token")
	}

	c.token = result.AccessToken
	return c.token, nil
}

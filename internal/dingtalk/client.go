package dingtalk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL    = "https://api.dingtalk.com"
	tokenEndpoint     = "/v1.0/oauth2/accessToken"
	tokenExpiryBuffer = 3 * time.Minute
)

// Client is a lightweight DingTalk OpenAPI client using net/http.
// Handles access-token auto-refresh and the robot messaging endpoints.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	// Custom-robot webhook fallback.
	webhookURL    string
	webhookSecret string

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient creates a native DingTalk HTTP client. webhookURL/webhookSecret
// are optional and only used as a reply fallback.
func NewClient(clientID, clientSecret, webhookURL, webhookSecret string) *Client {
	return &Client{
		baseURL:       defaultBaseURL,
		clientID:      clientID,
		clientSecret:  clientSecret,
		webhookURL:    webhookURL,
		webhookSecret: webhookSecret,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Token management ---

func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"appKey":    c.clientID,
		"appSecret": c.clientSecret,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+tokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("dingtalk token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken string `json:"accessToken"`
		ExpireIn    int    `json:"expireIn"`
		Code        string `json:"code"`
		Message     string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("dingtalk token decode: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("dingtalk token error: code=%s msg=%s", result.Code, result.Message)
	}

	c.token = result.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(result.ExpireIn)*time.Second - tokenExpiryBuffer)
	return c.token, nil
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.mu.Unlock()
}

// doJSON performs an authenticated JSON API call with one retry on 401.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}) error {
	status, err := c.doJSONOnce(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.clearToken()
		status, err = c.doJSONOnce(ctx, method, path, body)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("dingtalk api %s: status %d", path, status)
	}
	return nil
}

func (c *Client) doJSONOnce(ctx context.Context, method, path string, body interface{}) (int, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return 0, err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-acs-dingtalk-access-token", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("dingtalk api %s: %w", path, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// --- Robot messaging ---

// SendGroupText posts a text message into a group chat via the robot API.
func (c *Client) SendGroupText(ctx context.Context, openConversationID, text string) error {
	msgParam, _ := json.Marshal(map[string]string{"content": text})
	return c.doJSON(ctx, "POST", "/v1.0/robot/groupMessages/send", map[string]interface{}{
		"robotCode":          c.clientID,
		"openConversationId": openConversationID,
		"msgKey":             "sampleText",
		"msgParam":           string(msgParam),
	})
}

// SendUserText sends a direct text message to one or more users.
func (c *Client) SendUserText(ctx context.Context, userIDs []string, text string) error {
	msgParam, _ := json.Marshal(map[string]string{"content": text})
	return c.doJSON(ctx, "POST", "/v1.0/robot/oToMessages/batchSend", map[string]interface{}{
		"robotCode": c.clientID,
		"userIds":   userIDs,
		"msgKey":    "sampleText",
		"msgParam":  string(msgParam),
	})
}

// PostSessionWebhook replies through the per-message session webhook.
// This is the preferred reply path: no token, addressed to the exact chat.
func (c *Client) PostSessionWebhook(ctx context.Context, webhookURL, text string, atUserIDs []string) error {
	payload := map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	}
	if len(atUserIDs) > 0 {
		payload["at"] = map[string]interface{}{"atUserIds": atUserIDs}
	}
	return c.postJSON(ctx, webhookURL, payload)
}

// SendWebhookText posts to the configured custom-robot webhook, signing the
// URL when a secret is set.
func (c *Client) SendWebhookText(ctx context.Context, text string) error {
	if c.webhookURL == "" {
		return fmt.Errorf("no webhook url configured")
	}
	return c.postJSON(ctx, c.signedWebhookURL(time.Now()), map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	})
}

// signedWebhookURL appends timestamp + HMAC-SHA256 signature query params.
// Signature input is "{timestamp}\n{secret}" keyed by the secret, base64
// encoded, then URL escaped.
func (c *Client) signedWebhookURL(now time.Time) string {
	if c.webhookSecret == "" {
		return c.webhookURL
	}

	timestamp := strconv.FormatInt(now.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(timestamp + "\n" + c.webhookSecret))
	sign := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	separator := "?"
	if strings.Contains(c.webhookURL, "?") {
		separator = "&"
	}
	return c.webhookURL + separator + "timestamp=" + timestamp + "&sign=" + sign
}

func (c *Client) postJSON(ctx context.Context, rawURL string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", rawURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json;charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dingtalk webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dingtalk webhook post: status %d", resp.StatusCode)
	}
	return nil
}

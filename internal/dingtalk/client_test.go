package dingtalk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestSignedWebhookURL(t *testing.T) {
	c := NewClient("id", "secret", "https://oapi.dingtalk.com/robot/send?access_token=tok", "hooksecret")

	now := time.UnixMilli(1613635652738)
	signed := c.signedWebhookURL(now)

	if !strings.Contains(signed, "&timestamp=1613635652738") {
		t.Errorf("signed url missing timestamp: %s", signed)
	}

	// Recompute the expected signature.
	mac := hmac.New(sha256.New, []byte("hooksecret"))
	mac.Write([]byte("1613635652738\nhooksecret"))
	want := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	if !strings.HasSuffix(signed, "&sign="+want) {
		t.Errorf("signed url = %s, want sign suffix %s", signed, want)
	}
}

func TestSignedWebhookURLWithoutSecret(t *testing.T) {
	c := NewClient("id", "secret", "https://oapi.dingtalk.com/robot/send?access_token=tok", "")
	if got := c.signedWebhookURL(time.Now()); got != c.webhookURL {
		t.Errorf("unsigned url = %s, want untouched webhook url", got)
	}
}

func TestSignedWebhookURLSeparator(t *testing.T) {
	c := NewClient("id", "secret", "https://example.com/hook", "s")
	if got := c.signedWebhookURL(time.Now()); !strings.Contains(got, "/hook?timestamp=") {
		t.Errorf("expected '?' separator for bare url, got %s", got)
	}
}

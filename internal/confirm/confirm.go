// Package confirm recognises SNS subscription handshakes delivered through a
// queue and confirms them by fetching their SubscribeURL.
package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"queuewatch/internal/domain"
)

const TypeSubscriptionConfirmation = "SubscriptionConfirmation"

// maxResponseBytes bounds how much of the confirmation response is kept.
const maxResponseBytes = 64 << 10

// Notification is the SNS envelope carried in a queue message body.
type Notification struct {
	Type         string `json:"Type"`
	MessageId    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Subject      string `json:"Subject,omitempty"`
	Message      string `json:"Message"`
	Token        string `json:"Token,omitempty"`
	SubscribeURL string `json:"SubscribeURL,omitempty"`
	Timestamp    string `json:"Timestamp,omitempty"`
}

// Parse decodes body as an SNS envelope.
func Parse(body []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}

// IsConfirmationMessage reports whether body is a subscription handshake that
// can be confirmed: the Type must match and a SubscribeURL must be present.
func IsConfirmationMessage(body []byte) bool {
	n, err := Parse(body)
	if err != nil {
		return false
	}
	return n.Type == TypeSubscriptionConfirmation && strings.TrimSpace(n.SubscribeURL) != ""
}

// IsAutoConfirmQueue reports whether handshakes on rec's queue are confirmed.
func IsAutoConfirmQueue(rec *domain.WatchRecord, globalDefault bool) bool {
	if globalDefault {
		return true
	}
	return rec != nil && rec.AutoConfirm
}

type Options struct {
	Timeout time.Duration
	// AllowedHosts restricts SubscribeURL hosts to these suffixes when set,
	// e.g. "amazonaws.com".
	AllowedHosts []string
	// AllowInsecure permits plain http URLs.
	AllowInsecure bool
	Client        *http.Client
}

type Confirmer struct {
	client        *http.Client
	allowedHosts  []string
	allowInsecure bool
}

func New(opts Options) *Confirmer {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	hosts := make([]string, 0, len(opts.AllowedHosts))
	for _, h := range opts.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Confirmer{client: client, allowedHosts: hosts, allowInsecure: opts.AllowInsecure}
}

// Confirm issues one GET to the SubscribeURL in body and returns the response
// body.
func (c *Confirmer) Confirm(ctx context.Context, body []byte) ([]byte, error) {
	n, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfirmation, err)
	}
	u, err := c.validate(n.SubscribeURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrConfirmation, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", domain.ErrConfirmation, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrConfirmation, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return respBody, fmt.Errorf("%w: HTTP %d: %s", domain.ErrConfirmation, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (c *Confirmer) validate(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid SubscribeURL: %v", domain.ErrConfirmation, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: SubscribeURL %q is not absolute", domain.ErrConfirmation, raw)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !c.allowInsecure {
			return nil, fmt.Errorf("%w: SubscribeURL must use https", domain.ErrConfirmation)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", domain.ErrConfirmation, u.Scheme)
	}
	if len(c.allowedHosts) > 0 && !hostAllowed(u.Hostname(), c.allowedHosts) {
		return nil, fmt.Errorf("%w: host %s not allowed", domain.ErrConfirmation, u.Hostname())
	}
	return u, nil
}

func hostAllowed(host string, suffixes []string) bool {
	host = strings.ToLower(host)
	for _, s := range suffixes {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

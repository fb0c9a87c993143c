package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBarkGroup = "edgelamp"

// BarkNotifier pushes appliance alerts to a Bark device endpoint
// (https://api.day.app/<key>).
type BarkNotifier struct {
	endpoint *url.URL
	group    string
	level    string
	client   *http.Client
}

// BarkOption customises a BarkNotifier.
type BarkOption func(*BarkNotifier)

// WithBarkGroup groups alerts under the appliance name on the device.
func WithBarkGroup(group string) BarkOption {
	return func(b *BarkNotifier) {
		if group = strings.TrimSpace(group); group != "" {
			b.group = group
		}
	}
}

// WithBarkLevel sets the interruption level ("active", "timeSensitive", "passive").
func WithBarkLevel(level string) BarkOption {
	return func(b *BarkNotifier) { b.level = level }
}

// NewBarkNotifier validates the device endpoint.
func NewBarkNotifier(endpoint string, opts ...BarkOption) (*BarkNotifier, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("bark url %q is not absolute", endpoint)
	}
	b := &BarkNotifier{
		endpoint: u,
		group:    defaultBarkGroup,
		level:    "timeSensitive",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	q := url.Values{}
	q.Set("title", title)
	q.Set("body", body)
	q.Set("group", b.group)
	if b.level != "" {
		q.Set("level", b.level)
	}
	target := *b.endpoint
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), nil)
	if err != nil {
		return fmt.Errorf("build bark request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("push alert %q: %w", title, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bark endpoint returned %s", resp.Status)
	}
	return nil
}

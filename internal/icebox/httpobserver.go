package icebox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Notification is the JSON body an HTTPObserver posts
type Notification struct {
	Event    string   `json:"event"`
	Services []string `json:"services"`
}

// HTTPObserver posts notifications to a URL. Any response but 2xx is an
// error, so the observer gets removed.
type HTTPObserver struct {
	url    string
	client *http.Client
}

// NewHTTPObserver returns an observer posting to url. A nil client means
// http.DefaultClient.
func NewHTTPObserver(url string, client *http.Client) *HTTPObserver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPObserver{url: url, client: client}
}

func (o *HTTPObserver) ID() string {
	return o.url
}

func (o *HTTPObserver) ServicesStarted(ctx context.Context, services []string) error {
	return o.post(ctx, Notification{Event: "started", Services: services})
}

func (o *HTTPObserver) ServicesStopped(ctx context.Context, services []string) error {
	return o.post(ctx, Notification{Event: "stopped", Services: services})
}

func (o *HTTPObserver) post(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("observer %s: HTTP %d", o.url, resp.StatusCode)
	}
	return nil
}

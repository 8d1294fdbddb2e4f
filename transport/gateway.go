package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Gateway sends outbound messages to a WhatsApp-compatible gateway over HTTP.
// The gateway owns delivery; a 2xx response means the message was queued.
type Gateway struct {
	URL    string // send endpoint, e.g. http://gateway:3000/send
	Token  string // optional bearer token
	Client *http.Client
}

// NewGateway returns a Gateway with a bounded default client.
func NewGateway(url, token string) *Gateway {
	return &Gateway{
		URL:    url,
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type outboundPayload struct {
	To string `json:"to"`
	Message
}

// Send implements Messenger.
func (g *Gateway) Send(ctx context.Context, to string, msg Message) error {
	body, err := json.Marshal(outboundPayload{To: to, Message: msg})
	if err != nil {
		return fmt.Errorf("encode outbound: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build outbound request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send outbound: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send outbound: gateway returned %s", resp.Status)
	}
	return nil
}

var _ Messenger = (*Gateway)(nil)

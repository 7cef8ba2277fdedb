package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SMSConfig configures the HTTP SMS gateway.
type SMSConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

// SMSGateway posts messages to an HTTP SMS provider as JSON {to, body}.
type SMSGateway struct {
	cfg    SMSConfig
	client *http.Client
}

// NewSMSGateway returns a gateway using client, or a 10s-timeout client when nil.
func NewSMSGateway(cfg SMSConfig, client *http.Client) *SMSGateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SMSGateway{cfg: cfg, client: client}
}

func (g *SMSGateway) Notify(ctx context.Context, msg Message) (*Receipt, error) {
	if g.cfg.Endpoint == "" {
		return nil, deliveryError("sms", msg, fmt.Errorf("sms endpoint not configured"))
	}
	body, err := json.Marshal(map[string]string{"to": msg.Recipient, "body": msg.Body})
	if err != nil {
		return nil, deliveryError("sms", msg, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, deliveryError("sms", msg, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, deliveryError("sms", msg, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 300 {
		return nil, deliveryError("sms", msg, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw)))
	}

	var ack struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &ack)
	return receipt("sms", msg, ack.ID), nil
}

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/guonaihong/gout"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Client talks to the self-hosted WhatsApp automation gateway. Every call
// carries the gateway API key and a bounded timeout; a timed-out send is a
// send failure, callers retry on their own schedule.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, timeout: timeout}
}

type sendTextRequest struct {
	Number  string                 `json:"number"`
	Text    string                 `json:"text"`
	Options map[string]interface{} `json:"options"`
}

// SendText delivers a plain text message through the named instance.
func (c *Client) SendText(ctx context.Context, instanceName, number, text string) error {
	var code int
	err := gout.POST(fmt.Sprintf("%s/message/sendText/%s", c.baseURL, instanceName)).
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetHeader(gout.H{"apikey": c.apiKey}).
		SetJSON(sendTextRequest{Number: number, Text: text, Options: map[string]interface{}{}}).
		Code(&code).
		Do()
	if err != nil {
		return errors.Wrapf(err, "gateway: sendText to %s via %s", number, instanceName)
	}
	if code < 200 || code > 299 {
		return errors.Errorf("gateway: sendText via %s returned status %d", instanceName, code)
	}
	zap.L().Debug("gateway: text sent", zap.String("instance", instanceName), zap.String("number", number))
	return nil
}

// CreateInstance registers a new gateway instance for pairing.
func (c *Client) CreateInstance(ctx context.Context, instanceName string) error {
	var code int
	err := gout.POST(fmt.Sprintf("%s/instance/create", c.baseURL)).
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetHeader(gout.H{"apikey": c.apiKey}).
		SetJSON(gout.H{"instanceName": instanceName, "qrcode": true}).
		Code(&code).
		Do()
	if err != nil {
		return errors.Wrapf(err, "gateway: create instance %s", instanceName)
	}
	if code < 200 || code > 299 {
		return errors.Errorf("gateway: create instance %s returned status %d", instanceName, code)
	}
	return nil
}

// ConnectResult carries the pairing QR the gateway returns on connect.
type ConnectResult struct {
	Base64 string `json:"base64"`
	Code   string `json:"code"`
}

// Connect asks the gateway to start a session for the instance; while the
// session is unpaired the gateway answers with a QR payload.
func (c *Client) Connect(ctx context.Context, instanceName string) (*ConnectResult, error) {
	var (
		code int
		out  ConnectResult
	)
	err := gout.GET(fmt.Sprintf("%s/instance/connect/%s", c.baseURL, instanceName)).
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetHeader(gout.H{"apikey": c.apiKey}).
		Code(&code).
		BindJSON(&out).
		Do()
	if err != nil {
		return nil, errors.Wrapf(err, "gateway: connect instance %s", instanceName)
	}
	if code < 200 || code > 299 {
		return nil, errors.Errorf("gateway: connect instance %s returned status %d", instanceName, code)
	}
	return &out, nil
}

type connectionStateResponse struct {
	Instance struct {
		State string `json:"state"`
	} `json:"instance"`
	State string `json:"state"`
}

// ConnectionState fetches the gateway's current view of the session state.
func (c *Client) ConnectionState(ctx context.Context, instanceName string) (string, error) {
	var (
		code int
		out  connectionStateResponse
	)
	err := gout.GET(fmt.Sprintf("%s/instance/connectionState/%s", c.baseURL, instanceName)).
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetHeader(gout.H{"apikey": c.apiKey}).
		Code(&code).
		BindJSON(&out).
		Do()
	if err != nil {
		return "", errors.Wrapf(err, "gateway: connection state of %s", instanceName)
	}
	if code < 200 || code > 299 {
		return "", errors.Errorf("gateway: connection state of %s returned status %d", instanceName, code)
	}
	if out.Instance.State != "" {
		return out.Instance.State, nil
	}
	return out.State, nil
}

// Logout ends the instance session but keeps the registration.
func (c *Client) Logout(ctx context.Context, instanceName string) error {
	return c.deleteCall(ctx, fmt.Sprintf("%s/instance/logout/%s", c.baseURL, instanceName), instanceName)
}

// Delete removes the instance from the gateway entirely.
func (c *Client) Delete(ctx context.Context, instanceName string) error {
	return c.deleteCall(ctx, fmt.Sprintf("%s/instance/delete/%s", c.baseURL, instanceName), instanceName)
}

func (c *Client) deleteCall(ctx context.Context, url, instanceName string) error {
	var code int
	err := gout.DELETE(url).
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetHeader(gout.H{"apikey": c.apiKey}).
		Code(&code).
		Do()
	if err != nil {
		return errors.Wrapf(err, "gateway: delete call for %s", instanceName)
	}
	if code < 200 || code > 299 {
		return errors.Errorf("gateway: delete call for %s returned status %d", instanceName, code)
	}
	return nil
}

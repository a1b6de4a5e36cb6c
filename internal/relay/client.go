package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/echoctl/internal/auth"
)

const defaultClientTimeout = 10 * time.Second

// Client speaks the relay HTTP API.
type Client struct {
	Base  string
	Token string
	HTTP  *http.Client
}

func NewClient(base, token string) *Client {
	return &Client{
		Base:  strings.TrimRight(strings.TrimSpace(base), "/"),
		Token: token,
		HTTP:  &http.Client{Timeout: defaultClientTimeout},
	}
}

func (c *Client) Enroll(ctx context.Context, req EnrollRequest) (Identity, error) {
	var out Identity
	if err := c.do(ctx, http.MethodPost, "/enroll", req, &out); err != nil {
		return Identity{}, err
	}
	return out, nil
}

func (c *Client) Identity(ctx context.Context, alias string) (Identity, error) {
	var out Identity
	if err := c.do(ctx, http.MethodGet, "/identity/"+url.PathEscape(alias), nil, &out); err != nil {
		return Identity{}, err
	}
	return out, nil
}

func (c *Client) Contacts(ctx context.Context) ([]Contact, error) {
	var out struct {
		Contacts []Contact `json:"contacts"`
	}
	if err := c.do(ctx, http.MethodGet, "/contacts", nil, &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

func (c *Client) Subscribe(ctx context.Context, alias string) error {
	return c.do(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(alias), struct{}{}, nil)
}

func (c *Client) SetPresence(ctx context.Context, alias, addr string) error {
	return c.do(ctx, http.MethodPut, "/presence/"+url.PathEscape(alias), presenceRequest{Addr: addr}, nil)
}

func (c *Client) Presence(ctx context.Context, alias string) (Presence, error) {
	var out Presence
	if err := c.do(ctx, http.MethodGet, "/presence/"+url.PathEscape(alias), nil, &out); err != nil {
		return Presence{}, err
	}
	return out, nil
}

// SendMail queues payload for to and returns the assigned mail ID.
func (c *Client) SendMail(ctx context.Context, from, to, service string, payload []byte, priority int) (uint64, error) {
	var out struct {
		ID uint64 `json:"id"`
	}
	req := mailRequest{From: from, Service: service, Payload: payload, Priority: priority}
	if err := c.do(ctx, http.MethodPost, "/mail/"+url.PathEscape(to), req, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (c *Client) DrainMail(ctx context.Context, alias, service string) ([]Mail, error) {
	path := "/mail/" + url.PathEscape(alias)
	if service != "" {
		path += "?service=" + url.QueryEscape(service)
	}
	var out struct {
		Messages []Mail `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", auth.Header(c.Token))
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError(method, path, resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// statusError maps a relay error response back onto the package sentinels.
func statusError(method, path string, resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload)
	msg := payload.Error
	if msg == "" {
		msg = resp.Status
	}
	var sentinel error
	switch resp.StatusCode {
	case http.StatusBadRequest:
		sentinel = ErrBadRequest
	case http.StatusUnauthorized:
		sentinel = ErrUnauthorized
	case http.StatusNotFound:
		sentinel = ErrNotFound
		if strings.Contains(msg, ErrNotEnrolled.Error()) {
			sentinel = ErrNotEnrolled
		}
	case http.StatusConflict:
		sentinel = ErrConflict
	case http.StatusTooManyRequests:
		sentinel = ErrMailboxFull
	default:
		return fmt.Errorf("relay %s %s: %s", method, path, msg)
	}
	return fmt.Errorf("%w: %s %s: %s", sentinel, method, path, msg)
}

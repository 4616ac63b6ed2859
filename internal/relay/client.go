package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"parley/internal/domain"
	"parley/internal/errs"
)

// Route paths shared by Client and Server.
const (
	pathBundles    = "/v1/bundles"
	pathBundle     = "/v1/bundles/:peer"
	pathMessages   = "/v1/messages/:peer"
	pathMessageAck = "/v1/messages/:peer/ack"
)

// Client talks to a relay Server over HTTP. It implements domain.Directory
// and domain.Transport.
type Client struct {
	http *resty.Client
}

// NewClient returns a Client for the relay at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

// HTTPClient returns the underlying http.Client, for transport overrides.
func (c *Client) HTTPClient() *http.Client { return c.http.GetClient() }

type ackRequest struct {
	Count int `json:"count"`
}

func (c *Client) PublishBundles(ctx context.Context, bundles []domain.PreKeyBundle) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(bundles).Post(pathBundles)
	if err != nil {
		return err
	}
	return handleError(resp)
}

func (c *Client) FetchBundle(ctx context.Context, peer domain.PeerID) (domain.PreKeyBundle, error) {
	var out domain.PreKeyBundle
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get(peerPath(pathBundle, peer))
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if err := handleError(resp); err != nil {
		return domain.PreKeyBundle{}, fmt.Errorf("bundle for %s: %w", peer, err)
	}
	return out, nil
}

func (c *Client) Send(ctx context.Context, env domain.Envelope) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(env).Post(peerPath(pathMessages, env.To))
	if err != nil {
		return err
	}
	return handleError(resp)
}

func (c *Client) Fetch(ctx context.Context, peer domain.PeerID, limit int) ([]domain.Envelope, error) {
	var out []domain.Envelope
	req := c.http.R().SetContext(ctx).SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get(peerPath(pathMessages, peer))
	if err != nil {
		return nil, err
	}
	if err := handleError(resp); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Ack(ctx context.Context, peer domain.PeerID, count int) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(ackRequest{Count: count}).Post(peerPath(pathMessageAck, peer))
	if err != nil {
		return err
	}
	return handleError(resp)
}

func peerPath(route string, peer domain.PeerID) string {
	return strings.Replace(route, ":peer", url.PathEscape(string(peer)), 1)
}

// handleError maps relay responses onto engine errors.
func handleError(resp *resty.Response) error {
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return errs.ErrNotFound
	case resp.StatusCode() == http.StatusUnprocessableEntity:
		return fmt.Errorf("relay %s %s: %w", resp.Request.Method, resp.Request.URL, errs.ErrInvalidBundle)
	case resp.IsError():
		return fmt.Errorf("relay %s %s: %s", resp.Request.Method, resp.Request.URL, resp.Status())
	}
	return nil
}

var (
	_ domain.Directory = (*Client)(nil)
	_ domain.Transport = (*Client)(nil)
)

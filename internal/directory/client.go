package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"kryptera/internal/domain"
)

// Client is the JSON-over-HTTP directory client. It implements both the
// directory and the envelope transport contracts against a directoryd
// server.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string) *Client {
	return &Client{base: strings.TrimRight(base, "/"), http: http.DefaultClient}
}

func (c *Client) PublishDeviceBundle(ctx context.Context, rec domain.DeviceRecord) error {
	return c.post(ctx, "/v1/devices", rec, nil)
}

func (c *Client) FetchDeviceBundles(ctx context.Context, userID string) ([]domain.DeviceRecord, error) {
	var out []domain.DeviceRecord
	err := c.getJSON(ctx, "/v1/users/"+url.PathEscape(userID)+"/devices", &out)
	return out, err
}

func (c *Client) ConsumeOneTimePreKey(ctx context.Context, userID, deviceID, keyID string) error {
	path := "/v1/users/" + url.PathEscape(userID) +
		"/devices/" + url.PathEscape(deviceID) +
		"/prekeys/" + url.PathEscape(keyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) SendEnvelope(ctx context.Context, env domain.Envelope) error {
	return c.post(ctx, "/v1/envelopes", env, nil)
}

func (c *Client) FetchEnvelopes(ctx context.Context, userID, deviceID string, limit int) ([]domain.Envelope, error) {
	path := "/v1/users/" + url.PathEscape(userID) +
		"/devices/" + url.PathEscape(deviceID) + "/envelopes"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []domain.Envelope
	err := c.getJSON(ctx, path, &out)
	return out, err
}

func (c *Client) AckEnvelopes(ctx context.Context, userID, deviceID string, count int) error {
	path := "/v1/users/" + url.PathEscape(userID) +
		"/devices/" + url.PathEscape(deviceID) + "/envelopes/ack"
	return c.post(ctx, path, struct {
		Count int `json:"count"`
	}{Count: count}, nil)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("directory %s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var (
	_ domain.Directory = (*Client)(nil)
	_ domain.Transport = (*Client)(nil)
)

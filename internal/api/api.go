// Package api talks to the relay: REST calls over plain HTTP or, once a
// message socket is attached, over the socket's request path.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"e2e_multidevice/internal/errs"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/transport/websocketresource"

	"github.com/gorilla/websocket"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	base *url.URL
	http *http.Client

	mu       sync.RWMutex
	login    string
	password string
	socket   *websocketresource.Resource
}

func New(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	return &Client{
		base: u,
		http: &http.Client{Timeout: defaultTimeout},
	}, nil
}

// SetCredentials sets the device login used for authenticated calls.
func (c *Client) SetCredentials(addr model.Address, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.login = addr.String()
	c.password = password
}

// AttachSocket routes subsequent JSON calls over r while it is open.
func (c *Client) AttachSocket(r *websocketresource.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.socket = r
}

func (c *Client) credentials() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.login, c.password
}

func (c *Client) liveSocket() *websocketresource.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.socket == nil {
		return nil
	}
	select {
	case <-c.socket.Done():
		return nil
	default:
		return c.socket
	}
}

func (c *Client) Register(ctx context.Context, name string, req model.RegisterRequest) (uint32, error) {
	var resp model.RegisterResponse
	if err := c.do(ctx, http.MethodPut, "/v1/accounts/"+url.PathEscape(name), req, &resp); err != nil {
		return 0, err
	}
	return resp.DeviceID, nil
}

// LinkDevice adds a device to the account whose credentials are set.
func (c *Client) LinkDevice(ctx context.Context, req model.RegisterRequest) (uint32, error) {
	var resp model.RegisterResponse
	if err := c.do(ctx, http.MethodPut, "/v1/devices", req, &resp); err != nil {
		return 0, err
	}
	return resp.DeviceID, nil
}

func (c *Client) GetDevices(ctx context.Context) ([]model.Device, error) {
	var resp model.DeviceList
	if err := c.do(ctx, http.MethodGet, "/v1/devices", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// Ping is the lightweight authenticated reachability check.
func (c *Client) Ping(ctx context.Context) error {
	return c.doHTTP(ctx, http.MethodGet, "/v1/devices", nil, nil)
}

func (c *Client) RegisterPushToken(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPut, "/v1/accounts/push", model.PushToken{Token: token}, nil)
}

func (c *Client) RegisterKeys(ctx context.Context, keys model.KeysUpload) error {
	return c.do(ctx, http.MethodPut, "/v2/keys", keys, nil)
}

func (c *Client) GetMyKeysCount(ctx context.Context) (int, error) {
	var resp model.PreKeyCount
	if err := c.do(ctx, http.MethodGet, "/v2/keys", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// GetKeysForAddr fetches bundles of one device, or of all devices when
// deviceID is nil.
func (c *Client) GetKeysForAddr(ctx context.Context, name string, deviceID *uint32) (*model.KeysResponse, error) {
	dev := "*"
	if deviceID != nil {
		dev = strconv.FormatUint(uint64(*deviceID), 10)
	}
	var resp model.KeysResponse
	if err := c.do(ctx, http.MethodGet, "/v2/keys/"+url.PathEscape(name)+"/"+dev, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendMessages(ctx context.Context, name string, list model.OutgoingMessageList) error {
	return c.do(ctx, http.MethodPut, "/v1/messages/"+url.PathEscape(name), list, nil)
}

// PutAttachment allocates an attachment id and uploads blob to its signed
// location.
func (c *Client) PutAttachment(ctx context.Context, blob []byte) (uint64, error) {
	var loc model.AttachmentLocation
	if err := c.doHTTP(ctx, http.MethodGet, "/v1/attachments", nil, &loc); err != nil {
		return 0, err
	}
	if _, err := c.raw(ctx, http.MethodPut, loc.Location, blob); err != nil {
		return 0, err
	}
	return loc.ID, nil
}

func (c *Client) GetAttachment(ctx context.Context, id uint64) ([]byte, error) {
	var loc model.AttachmentLocation
	if err := c.doHTTP(ctx, http.MethodGet, "/v1/attachments/"+strconv.FormatUint(id, 10), nil, &loc); err != nil {
		return nil, err
	}
	return c.raw(ctx, http.MethodGet, loc.Location, nil)
}

// OpenMessageSocket dials the authenticated message socket.
func (c *Client) OpenMessageSocket(ctx context.Context, opts websocketresource.Options) (*websocketresource.Resource, error) {
	login, password := c.credentials()
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v1/websocket"
	u.RawQuery = url.Values{"login": {login}, "password": {password}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode/100 != 2 {
			return nil, errs.FromStatus(resp.StatusCode, nil)
		}
		return nil, errs.Network("dial message socket", err)
	}
	return websocketresource.New(conn, opts), nil
}

// do routes a JSON call over the socket when one is attached and open.
func (c *Client) do(ctx context.Context, verb, path string, in, out any) error {
	sock := c.liveSocket()
	if sock == nil {
		return c.doHTTP(ctx, verb, path, in, out)
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	resp, err := sock.SendRequest(ctx, verb, path, body)
	if err != nil {
		if _, ok := errs.KindOf(err); ok {
			return err
		}
		return errs.Network(verb+" "+path, err)
	}
	return decode(resp.Status, resp.Body, out)
}

func (c *Client) doHTTP(ctx context.Context, verb, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, verb, c.base.JoinPath(path).String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if login, password := c.credentials(); login != "" {
		req.SetBasicAuth(login, password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Network(verb+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Network("read "+path, err)
	}
	return decode(resp.StatusCode, data, out)
}

// raw transfers an opaque blob to or from a signed location.
func (c *Client) raw(ctx context.Context, verb, location string, blob []byte) ([]byte, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if blob != nil {
		body = bytes.NewReader(blob)
	}
	req, err := http.NewRequestWithContext(ctx, verb, c.base.ResolveReference(ref).String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Network(verb+" attachment", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Network("read attachment", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, errs.FromStatus(resp.StatusCode, data)
	}
	return data, nil
}

func decode(status int, body []byte, out any) error {
	if status/100 != 2 {
		return errs.FromStatus(status, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.Protocol(status, "bad response body: "+err.Error())
	}
	return nil
}

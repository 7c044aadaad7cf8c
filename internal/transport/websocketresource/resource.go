// Package websocketresource multiplexes HTTP-style requests and responses in
// both directions over one websocket connection.
package websocketresource

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/http"
	"sync"
	"time"

	"e2e_multidevice/internal/errs"
	"e2e_multidevice/internal/protocol/wire"
	"e2e_multidevice/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// CloseKeepAliveTimeout is used when a keep-alive went unanswered.
	CloseKeepAliveTimeout = 3001

	DefaultKeepAlivePath     = "/v1/keepalive"
	DefaultKeepAliveInterval = 55 * time.Second
	DefaultKeepAliveGrace    = 5 * time.Second

	writeWait = 10 * time.Second
)

type (
	Response struct {
		Status  int
		Message string
		Body    []byte
	}

	// RequestHandler serves a request received from the peer. It must call
	// Respond exactly once.
	RequestHandler func(req *IncomingRequest)

	KeepAlive struct {
		Path     string
		Interval time.Duration
		Grace    time.Duration
	}

	Options struct {
		HandleRequest RequestHandler
		// OnError reports protocol violations such as unmatched responses.
		OnError func(error)
		// KeepAlive enables the keep-alive loop when non-nil.
		KeepAlive *KeepAlive
	}

	IncomingRequest struct {
		Verb string
		Path string
		Body []byte
		ID   uint64

		res       *Resource
		responded sync.Once
	}
)

// Respond answers the request. Calls after the first are ignored.
func (r *IncomingRequest) Respond(status int, message string, body []byte) error {
	err := errs.New(errs.KindProtocol, "request already answered")
	r.responded.Do(func() {
		err = r.res.write(&wire.WebSocketMessage{
			Type: wire.TypeResponse,
			Response: &wire.Response{
				ID:      r.ID,
				Status:  uint32(status),
				Message: message,
				Body:    body,
			},
		})
	})
	return err
}

type Resource struct {
	conn *websocket.Conn
	opts Options

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *Response
	closed  bool
	code    int
	reason  string

	done chan struct{}
}

// New starts serving conn. The read loop and the optional keep-alive loop
// run until Close is called or the connection fails.
func New(conn *websocket.Conn, opts Options) *Resource {
	r := &Resource{
		conn:    conn,
		opts:    opts,
		pending: make(map[uint64]chan *Response),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	if opts.KeepAlive != nil {
		ka := *opts.KeepAlive
		if ka.Path == "" {
			ka.Path = DefaultKeepAlivePath
		}
		if ka.Interval <= 0 {
			ka.Interval = DefaultKeepAliveInterval
		}
		if ka.Grace <= 0 {
			ka.Grace = DefaultKeepAliveGrace
		}
		go r.keepAlive(ka)
	}
	return r
}

// Done is closed once the resource has shut down.
func (r *Resource) Done() <-chan struct{} {
	return r.done
}

// CloseCode returns the code the resource was closed with, 0 while open.
func (r *Resource) CloseCode() (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code, r.reason
}

// SendRequest sends a request and waits for its response, ctx expiry, or
// socket closure. Non-2xx statuses are returned as a response, not an error.
func (r *Resource) SendRequest(ctx context.Context, verb, path string, body []byte) (*Response, error) {
	id, ch, err := r.register()
	if err != nil {
		return nil, err
	}

	err = r.write(&wire.WebSocketMessage{
		Type:    wire.TypeRequest,
		Request: &wire.Request{Verb: verb, Path: path, Body: body, ID: id},
	})
	if err != nil {
		r.unregister(id)
		return nil, errs.Network("write request", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			code, reason := r.CloseCode()
			return nil, &errs.Error{Kind: errs.KindNetwork, Code: code, Reason: "socket closed: " + reason}
		}
		return resp, nil
	case <-ctx.Done():
		r.unregister(id)
		return nil, ctx.Err()
	}
}

// register allocates a random id not used by any outstanding request.
func (r *Resource) register() (uint64, chan *Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, nil, &errs.Error{Kind: errs.KindNetwork, Code: r.code, Reason: "socket closed: " + r.reason}
	}
	for {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, nil, err
		}
		id := binary.BigEndian.Uint64(b[:])
		if _, taken := r.pending[id]; taken {
			continue
		}
		ch := make(chan *Response, 1)
		r.pending[id] = ch
		return id, ch, nil
	}
}

func (r *Resource) unregister(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Resource) write(m *wire.WebSocketMessage) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return r.conn.WriteMessage(websocket.BinaryMessage, m.Marshal())
}

func (r *Resource) readLoop() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code, reason = ce.Code, ce.Text
			}
			log.Debug("web socket closed", zap.Int("code", code), zap.Error(err))
			r.shutdown(code, reason)
			return
		}

		msg, err := wire.UnmarshalWebSocketMessage(data)
		if err != nil {
			r.reportError(errs.Protocol(0, "undecodable frame: "+err.Error()))
			continue
		}

		switch msg.Type {
		case wire.TypeRequest:
			if msg.Request == nil {
				r.reportError(errs.Protocol(0, "request frame without request"))
				continue
			}
			r.handleRequest(msg.Request)
		case wire.TypeResponse:
			if msg.Response == nil {
				r.reportError(errs.Protocol(0, "response frame without response"))
				continue
			}
			r.handleResponse(msg.Response)
		default:
			r.reportError(errs.Protocol(0, fmt.Sprintf("unknown frame type %d", msg.Type)))
		}
	}
}

func (r *Resource) handleRequest(req *wire.Request) {
	in := &IncomingRequest{Verb: req.Verb, Path: req.Path, Body: req.Body, ID: req.ID, res: r}
	if r.opts.HandleRequest == nil {
		_ = in.Respond(http.StatusNotFound, "Not found", nil)
		return
	}
	r.opts.HandleRequest(in)
}

func (r *Resource) handleResponse(resp *wire.Response) {
	r.mu.Lock()
	ch, ok := r.pending[resp.ID]
	delete(r.pending, resp.ID)
	r.mu.Unlock()

	if !ok {
		r.reportError(errs.Protocol(int(resp.Status), fmt.Sprintf("unmatched response %d", resp.ID)))
		return
	}
	ch <- &Response{Status: int(resp.Status), Message: resp.Message, Body: resp.Body}
}

func (r *Resource) reportError(err error) {
	log.Warn("web socket protocol error", zap.Error(err))
	if r.opts.OnError != nil {
		r.opts.OnError(err)
	}
}

func (r *Resource) keepAlive(ka KeepAlive) {
	ticker := time.NewTicker(ka.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), ka.Grace)
		resp, err := r.SendRequest(ctx, http.MethodGet, ka.Path, nil)
		cancel()

		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			log.Warn("keep-alive failed, closing socket", zap.Error(err))
			r.Close(CloseKeepAliveTimeout, "no response to keepalive request")
			return
		}
		if resp.Status/100 != 2 {
			log.Debug("keep-alive non-2xx", zap.Int("status", resp.Status))
		}
	}
}

// Close sends a close frame and fails every pending request.
func (r *Resource) Close(code int, reason string) {
	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	r.writeMu.Unlock()

	r.shutdown(code, reason)
	_ = r.conn.Close()
}

func (r *Resource) shutdown(code int, reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.code = code
	r.reason = reason
	pending := r.pending
	r.pending = make(map[uint64]chan *Response)
	r.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(r.done)
	_ = r.conn.Close()
}

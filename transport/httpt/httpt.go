// Package httpt implements the HTTP transport: POST /rpc with an
// application/octet-stream body carries one frame each way, and
// cookies are round-tripped through net/http's normal Set-Cookie /
// Cookie header machinery instead of a bespoke session id scheme.
//
// HTTP is inherently one-shot request/response, so unlike tcp/ws this
// transport can't sit behind rpcsession.Session's persistent
// read/write loops — Client.Do is the whole client side, a standalone
// one-shot call; Object does not route calls through it.
package httpt

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sagernet/nprpc/internal/nprpcerr"
	"github.com/sagernet/nprpc/rpcsession"
)

const contentType = "application/octet-stream"

// Client issues one RPC request per call over plain HTTP, preserving
// cookies set by the server across calls the way a browser would.
type Client struct {
	baseURL    string
	httpClient *http.Client
	jar        http.CookieJar
}

// NewClient builds a Client against baseURL (e.g. "http://host:port").
// jar is attached to the underlying http.Client as given; with a nil jar
// cookies set by the server are not kept across calls.
func NewClient(baseURL string, jar http.CookieJar, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout, Jar: jar},
		jar:        jar,
	}
}

// Do posts frame to /rpc and returns the reply body.
func (c *Client) Do(frame []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("httpt: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nprpcerr.Wrap(nprpcerr.KindCommFailure, "http request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, rpcsession.MaxMessageSize+1))
	if err != nil {
		return nil, nprpcerr.Wrap(nprpcerr.KindCommFailure, "reading http response body", err)
	}
	if len(body) > rpcsession.MaxMessageSize {
		return nil, nprpcerr.MessageTooLarge
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nprpcerr.New(nprpcerr.KindProtocolError, fmt.Sprintf("http status %d", resp.StatusCode))
	}
	return body, nil
}

// Handler is the server-side POST /rpc endpoint. dispatch parses Header
// + CallHeader from the body, invokes the target servant, and returns
// the reply frame.
type Handler struct {
	dispatch func(cookies map[string]string, frame []byte) (reply []byte, setCookies map[string]string, err error)
}

func NewHandler(dispatch func(cookies map[string]string, frame []byte) (reply []byte, setCookies map[string]string, err error)) *Handler {
	return &Handler{dispatch: dispatch}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, rpcsession.MaxMessageSize+1))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}
	if len(body) > rpcsession.MaxMessageSize {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}

	cookies := make(map[string]string)
	for _, ck := range r.Cookies() {
		cookies[ck.Name] = ck.Value
	}

	reply, setCookies, err := h.dispatch(cookies, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for name, value := range setCookies {
		http.SetCookie(w, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(reply)
}

// Package gateway is the only way requests reach the backend. Every request is built from
// scratch and asks the session for its credential at send time, so that a login or logout is
// observed by the very next request.
package gateway

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

	adminconsole "github.com/devgianlu/go-adminconsole"
	"github.com/google/uuid"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"
)

const (
	HeaderRequestId = "X-Request-Id"

	defaultTimeout = 30 * time.Second
)

type Gateway struct {
	log adminconsole.Logger

	baseUrl *url.URL
	client  *http.Client
	token   adminconsole.GetTokenFunc
}

// NewHttpClient returns a client that dials through the proxy configured in the
// environment (ALL_PROXY, NO_PROXY).
func NewHttpClient() *http.Client {
	return &http.Client{
		Timeout: defaultTimeout,
		Transport: &http.Transport{
			DialContext:         proxy.Dial,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// New creates a gateway for the backend at baseUrl. The token function is called for every
// request, pass nil for a gateway that never authenticates.
func New(log adminconsole.Logger, baseUrl string, client *http.Client, token adminconsole.GetTokenFunc) (*Gateway, error) {
	parsed, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend base url scheme: %s", baseUrl)
	} else if len(parsed.Host) == 0 {
		return nil, fmt.Errorf("missing backend host: %s", baseUrl)
	}

	if client == nil {
		client = NewHttpClient()
	}

	if token == nil {
		token = func() (string, bool) { return "", false }
	}

	return &Gateway{
		log:     adminconsole.LoggerOrNull(log),
		baseUrl: parsed,
		client:  client,
		token:   token,
	}, nil
}

// SetTokenFunc replaces the credential source. It must be called before the gateway is shared.
func (g *Gateway) SetTokenFunc(token adminconsole.GetTokenFunc) {
	g.token = token
}

func (g *Gateway) BaseUrl() *url.URL {
	u := *g.baseUrl
	return &u
}

func (g *Gateway) resolve(path string, query url.Values) *url.URL {
	reqUrl := *g.baseUrl
	reqUrl.Path = strings.TrimSuffix(g.baseUrl.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	reqUrl.RawPath = ""
	if len(query) > 0 {
		reqUrl.RawQuery = query.Encode()
	} else {
		reqUrl.RawQuery = ""
	}

	return &reqUrl
}

// Request sends a request to the backend and returns the response whatever its status code.
// Headers in header are sent as they are, except for Authorization which is always decided
// by the gateway.
func (g *Gateway) Request(ctx context.Context, method, path string, query url.Values, header http.Header, body io.Reader) (*http.Response, error) {
	reqUrl := g.resolve(path, query)

	req, err := http.NewRequestWithContext(ctx, method, reqUrl.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed creating request: %w", err)
	}

	if header != nil {
		req.Header = header.Clone()
	}

	req.Header.Set("User-Agent", adminconsole.UserAgent())
	if len(req.Header.Get("Accept")) == 0 {
		req.Header.Set("Accept", "application/json")
	}

	reqId := req.Header.Get(HeaderRequestId)
	if len(reqId) == 0 {
		reqId = uuid.NewString()
		req.Header.Set(HeaderRequestId, reqId)
	}

	req.Header.Del("Authorization")
	if token, ok := g.token(); ok {
		(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)
	}

	log := g.log.WithField("request_id", reqId)
	log.Tracef("backend request %s %s", method, reqUrl.Path)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed requesting %s %s: %w", method, reqUrl.Path, err)
	}

	log.Tracef("backend response %s %s: %d", method, reqUrl.Path, resp.StatusCode)
	return resp, nil
}

// JSON sends in encoded as JSON (if not nil) and decodes a successful response into out (if
// not nil). Unsuccessful responses are returned as *Error.
func (g *Gateway) JSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	header := http.Header{}
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed marshalling request body: %w", err)
		}

		body = bytes.NewReader(payload)
		header.Set("Content-Type", "application/json")
	}

	resp, err := g.Request(ctx, method, path, nil, header, body)
	if err != nil {
		return err
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return NewErrorFromResponse(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed unmarshalling response from %s %s: %w", method, path, err)
	}

	return nil
}

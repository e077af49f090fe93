package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	adminconsole "github.com/devgianlu/go-adminconsole"
	"github.com/devgianlu/go-adminconsole/gateway"
)

const maxProxyBody = 10 << 20

// forwardedRequestHeaders are the only browser headers that reach the backend, credentials
// are added by the gateway.
var forwardedRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	gateway.HeaderRequestId,
}

var forwardedResponseHeaders = []string{
	"Content-Type",
	"Content-Disposition",
	"Content-Length",
	"Cache-Control",
	gateway.HeaderRequestId,
}

// BackendProxy passes console requests to the backend unchanged through the gateway.
type BackendProxy struct {
	log adminconsole.Logger
	gw  *gateway.Gateway

	// reject is called when the backend refuses the current credential
	reject func(ctx context.Context)
}

func NewBackendProxy(log adminconsole.Logger, gw *gateway.Gateway, reject func(ctx context.Context)) *BackendProxy {
	return &BackendProxy{log: adminconsole.LoggerOrNull(log), gw: gw, reject: reject}
}

func (p *BackendProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	header := http.Header{}
	for _, name := range forwardedRequestHeaders {
		if val := r.Header.Values(name); len(val) > 0 {
			header[http.CanonicalHeaderKey(name)] = val
		}
	}

	// the body is buffered so that the backend gets a Content-Length, it does not accept
	// chunked requests
	var body io.Reader
	if r.Body != nil && r.ContentLength != 0 {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJson(w, http.StatusRequestEntityTooLarge, ApiResponseError{Error: "request body too large"})
			return
		} else if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		body = bytes.NewReader(payload)
	}

	resp, err := p.gw.Request(r.Context(), r.Method, r.URL.Path, r.URL.Query(), header, body)
	if err != nil {
		p.log.WithError(err).Warnf("failed proxying %s %s", r.Method, r.URL.Path)
		writeJson(w, http.StatusBadGateway, ApiResponseError{Error: "backend unreachable"})
		return
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized && p.reject != nil {
		// the response still reaches the client, the session is cleared behind it
		p.reject(context.WithoutCancel(r.Context()))
	}

	for _, name := range forwardedResponseHeaders {
		if val := resp.Header.Values(name); len(val) > 0 {
			w.Header()[http.CanonicalHeaderKey(name)] = val
		}
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.WithError(err).Debugf("failed copying backend response for %s %s", r.Method, r.URL.Path)
	}
}

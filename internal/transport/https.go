package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const apiRoot = "/iot/api/v2/"

// minAcceptBytesHeader is the response header the server sets when the
// advertised receive buffer is too small for a pending message.
const minAcceptBytesHeader = "X-Min-Acceptbytes"

// HTTPS is the bearer-authenticated HTTP transport. TLS trusts exactly the
// provisioned anchors when any are present; hostname verification stays on
// either way.
type HTTPS struct {
	base    string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

func NewHTTPS(serverURI string, anchors []string, timeout time.Duration, logger *slog.Logger) (*HTTPS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(anchors) > 0 {
		pool := x509.NewCertPool()
		for _, a := range anchors {
			if !pool.AppendCertsFromPEM([]byte(a)) {
				return nil, fmt.Errorf("transport: trust anchor is not a PEM certificate")
			}
		}
		tlsCfg.RootCAs = pool
	}
	return &HTTPS{
		base:    strings.TrimRight(strings.TrimSpace(serverURI), "/"),
		timeout: timeout,
		logger:  logger,
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

func (h *HTTPS) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

// Request performs one HTTP exchange. Non-2xx responses become a
// StatusError carrying the code and body. A 200/202 that carries the
// min-acceptBytes header is rewritten into the shared negotiation body so
// callers handle buffer pressure identically on both transports.
func (h *HTTPS) Request(ctx context.Context, opts RequestOptions, payload []byte) ([]byte, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = h.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	url := h.base + apiRoot + strings.TrimPrefix(opts.Path, "/")
	req, err := http.NewRequestWithContext(ctx, opts.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: %s %s: %w", opts.Method, opts.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	h.logger.Debug("http exchange",
		"method", opts.Method, "path", opts.Path,
		"status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Code:   resp.StatusCode,
			Status: resp.Status,
			Body:   data,
		}
	}
	if min := resp.Header.Get(minAcceptBytesHeader); min != "" {
		n, err := strconv.Atoi(min)
		if err != nil {
			return nil, fmt.Errorf("transport: bad %s header %q", minAcceptBytesHeader, min)
		}
		return json.Marshal(map[string]int{MinAcceptBytesKey: n})
	}
	return data, nil
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// HTTPConfig bounds the http service.
type HTTPConfig struct {
	Timeout  time.Duration
	MaxBytes int64
	// AllowedHosts restricts targets when non-empty. Entries match the host
	// exactly or as a dot-suffix.
	AllowedHosts []string
	UserAgent    string
}

// HTTP performs bounded GET requests.
type HTTP struct {
	client       *http.Client
	maxBytes     int64
	allowedHosts []string
	userAgent    string
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "stackrun/1.0"
	}
	return &HTTP{
		client:       &http.Client{Timeout: cfg.Timeout},
		maxBytes:     cfg.MaxBytes,
		allowedHosts: cfg.AllowedHosts,
		userAgent:    cfg.UserAgent,
	}
}

func (*HTTP) Name() string { return "http" }

func (h *HTTP) Methods() map[string]Method {
	return map[string]Method{"get": h.get}
}

type httpResult struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
	Truncated   bool   `json:"truncated,omitempty"`
}

func (h *HTTP) allowed(u *url.URL) bool {
	if len(h.allowedHosts) == 0 {
		return true
	}
	host := strings.ToLower(u.Hostname())
	return slices.ContainsFunc(h.allowedHosts, func(a string) bool {
		a = strings.ToLower(a)
		return host == a || strings.HasSuffix(host, "."+a)
	})
}

func (h *HTTP) get(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	u, err := url.Parse(in.URL)
	if err != nil || in.URL == "" {
		return nil, errors.New("a valid url is required")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !h.allowed(u) {
		return nil, fmt.Errorf("host %s is not allowed", u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", h.userAgent)
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, err
	}
	res := httpResult{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type")}
	if int64(len(body)) > h.maxBytes {
		body = body[:h.maxBytes]
		res.Truncated = true
	}
	res.Body = string(body)
	return encode(res)
}

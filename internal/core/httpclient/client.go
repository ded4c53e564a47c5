// Package httpclient builds the HTTP client used for upstream provider calls.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

const (
	DefaultTimeout         = 60 * time.Second
	DefaultMaxConnsPerHost = 8
)

type Config struct {
	// Timeout bounds a whole exchange, body included.
	Timeout time.Duration
	// MaxConnsPerHost caps concurrent connections to one provider host.
	// Requests beyond it wait for a free connection.
	MaxConnsPerHost int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	return c
}

// New returns a client whose transport keeps connections to each provider
// host bounded and reusable.
func New(cfg Config) *http.Client {
	cfg = cfg.withDefaults()
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxConnsPerHost:       cfg.MaxConnsPerHost,
			MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
			MaxIdleConns:          4 * cfg.MaxConnsPerHost,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
		},
	}
}

// NewOutbound is New with only a timeout.
func NewOutbound(timeout time.Duration) *http.Client {
	return New(Config{Timeout: timeout})
}

// Package cbw implements the ControlByWeb relay-controller driver: a
// credential manager for the cloud management API, an ephemeral
// device-access-token (DAT) manager, a relay planner, and the
// batch-then-reconcile apply protocol.
package cbw

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Config carries the controller endpoints and credentials.
type Config struct {
	// BaseURL is the management API root (auth, accounts, DAT endpoints).
	BaseURL string
	// DATBaseURL is the host for direct-to-device DAT calls.
	DATBaseURL string
	Username   string
	Password   string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Validate checks required fields and applies timeout defaults.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("cbw: base url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("cbw: invalid base url: %w", err)
	}
	if c.DATBaseURL == "" {
		return fmt.Errorf("cbw: DAT base url is required")
	}
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("cbw: username and password are required")
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 8 * time.Second
	}
	return nil
}

// HTTPClient builds the outbound client with connect and total-request
// timeouts enforced per call, independent of run-level cancellation.
func (c *Config) HTTPClient() *http.Client {
	return &http.Client{
		Timeout: c.RequestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: c.ConnectTimeout,
			}).DialContext,
		},
	}
}

func (c *Config) tokenURL() string {
	return c.BaseURL + "/api/v1/auth/token"
}

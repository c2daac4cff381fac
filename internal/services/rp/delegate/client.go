package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes caps how much of the backend response is retained.
const maxResponseBytes = 1 << 20

// Client performs backend sign-in delegation over HTTP.
type Client struct {
	cfg        Config
	source     CredentialSource
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient builds a delegation client. A nil source or empty backend URL
// yields a client that reports delegation as not configured.
func NewClient(cfg Config, source CredentialSource, logger *log.Logger) *Client {
	return &Client{
		cfg:        cfg,
		source:     source,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Delegate attempts the backend sign-in for a verified authentication and
// classifies the result. It never returns an error; every failure mode is
// an Outcome the caller attaches as a side channel.
func (c *Client) Delegate(ctx context.Context, auth Auth) Outcome {
	if c == nil || c.source == nil || strings.TrimSpace(c.cfg.URL) == "" {
		return Outcome{
			Status:  StatusNotConfigured,
			Message: "backend delegation is not configured",
			Warning: "backend sign-in was not attempted",
		}
	}

	credentials, ok, err := c.source.Lookup(ctx, auth.UserID)
	if err != nil {
		c.logf("lookup backend credentials for user %s: %v", auth.UserID, err)
		return Outcome{
			Status:  StatusCredentialsMissing,
			Message: fmt.Sprintf("lookup backend credentials: %v", err),
			Warning: "backend sign-in was not attempted",
		}
	}
	if !ok {
		configured, idsErr := c.source.UserIDs(ctx)
		if idsErr != nil {
			c.logf("list backend credential users: %v", idsErr)
		}
		return Outcome{
			Status:            StatusCredentialsMissing,
			Message:           fmt.Sprintf("no backend credentials configured for user %s", auth.UserID),
			Warning:           "backend sign-in was not attempted",
			ConfiguredUserIDs: configured,
		}
	}

	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"username": credentials.Username,
		"password": credentials.Password,
	})
	if err != nil {
		return Outcome{
			Status:  StatusNetworkFailure,
			Message: fmt.Sprintf("encode backend request: %v", err),
			Warning: "backend sign-in was not attempted",
		}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{
			Status:  StatusNetworkFailure,
			Message: fmt.Sprintf("build backend request: %v", err),
			Warning: "backend sign-in was not attempted",
		}
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logf("backend sign-in for user %s: %v", auth.UserID, err)
		return Outcome{
			Attempted: true,
			Status:    StatusNetworkFailure,
			Message:   fmt.Sprintf("backend unreachable: %v", err),
			Warning:   "backend sign-in failed",
		}
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return Outcome{
			Attempted:      true,
			Status:         StatusNetworkFailure,
			UpstreamStatus: response.StatusCode,
			Message:        fmt.Sprintf("read backend response: %v", err),
			Warning:        "backend sign-in failed",
		}
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return Outcome{
			Attempted:      true,
			Status:         StatusUpstreamFailure,
			UpstreamStatus: response.StatusCode,
			Message:        fmt.Sprintf("backend rejected sign-in: %s", strings.TrimSpace(string(payload))),
			Warning:        "backend sign-in failed",
		}
	}

	outcome := Outcome{
		Attempted:      true,
		Success:        true,
		Status:         StatusSuccess,
		UpstreamStatus: response.StatusCode,
	}
	if json.Valid(payload) {
		outcome.Payload = json.RawMessage(payload)
	} else if len(payload) > 0 {
		wrapped, err := json.Marshal(string(payload))
		if err == nil {
			outcome.Payload = json.RawMessage(wrapped)
		}
	}
	return outcome
}

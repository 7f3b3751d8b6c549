// Package api talks to the copilot backend's request/response surface:
// interview context submission and the prepaid balance lookup. The live
// session itself runs over the websocket endpoint; WSURL derives its
// target from the same base URL.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/famoratech/InterviewCopilot/log"
)

// ErrNoBalance means the account has no balance record. The credit meter
// stays unknown; the backend still enforces its own limit.
var ErrNoBalance = errors.New("no balance record")

type Client struct {
	baseURL string
	token   string
	http    *tracedClient
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    newTracedClient(),
	}
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SubmitContext uploads the resume file and job description that prime
// the answer engine. The backend's own message is surfaced on failure.
func (c *Client) SubmitContext(ctx context.Context, resumePath, jobDescription string) error {
	resume, err := os.ReadFile(resumePath)
	if err != nil {
		return fmt.Errorf("reading resume: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("resume", filepath.Base(resumePath))
	if err != nil {
		return err
	}
	if _, err := part.Write(resume); err != nil {
		return err
	}
	writer.WriteField("job_description", jobDescription)
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/submit-context", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submitting context: %w", err)
	}
	c.logRequest("/submit-context", resp)

	if resp.StatusCode != http.StatusOK {
		var sr statusResponse
		if json.Unmarshal(resp.Body, &sr) == nil && sr.Message != "" {
			return fmt.Errorf("submit-context: %s", sr.Message)
		}
		return fmt.Errorf("submit-context: HTTP %d", resp.StatusCode)
	}
	return nil
}

type balanceResponse struct {
	Balance int `json:"balance"` // whole minutes
}

// Balance performs the one-time account balance lookup, in whole minutes.
func (c *Client) Balance(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/balance", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching balance: %w", err)
	}
	c.logRequest("/balance", resp)

	if resp.StatusCode == http.StatusNotFound {
		return 0, ErrNoBalance
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("balance: HTTP %d", resp.StatusCode)
	}

	var br balanceResponse
	if err := json.Unmarshal(resp.Body, &br); err != nil {
		return 0, fmt.Errorf("balance response parse error: %w", err)
	}
	if br.Balance < 0 {
		return 0, fmt.Errorf("balance: negative value %d", br.Balance)
	}
	return br.Balance, nil
}

// WSURL converts the base URL into the session websocket target with the
// bearer credential attached.
func (c *Client) WSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Reachable reports whether the backend answers at all; used by the
// diagnostics command.
func (c *Client) Reachable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/balance", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if _, err := c.http.Do(req); err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	return nil
}

func (c *Client) logRequest(path string, resp *tracedResponse) {
	m := resp.Metrics
	log.APIRequest(path, resp.StatusCode, log.RequestMetrics{
		DNSMs:      float64(m.DNS.Milliseconds()),
		TLSMs:      float64(m.TLS.Milliseconds()),
		TTFBMs:     float64(m.TTFB.Milliseconds()),
		TotalMs:    float64(m.Total.Milliseconds()),
		ConnReused: m.ConnReused,
	})
}

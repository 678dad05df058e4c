// Package rest calls the avatar server's plain HTTP endpoints.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/resilience"
	"github.com/harunnryd/avatarlink/pkg/transports"
)

// maxBody bounds how much of an error response is kept.
const maxBody = 4 << 10

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Retry   resilience.RetryPolicy
	log     *slog.Logger
}

// NewClient derives the HTTP base from the same address the websocket
// transport is given.
func NewClient(address string, log *slog.Logger) (*Client, error) {
	ep, err := transports.NormalizeAddress(address, "")
	if err != nil {
		return nil, err
	}
	return &Client{
		BaseURL: ep.HTTPBase,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Retry:   resilience.NewRetryPolicy(2, 250*time.Millisecond),
		log:     logging.NewComponentLogger(log, "rest"),
	}, nil
}

type HealthResponse struct {
	Status string `json:"status"`
}

// Health calls GET /health. Anything but {"status":"healthy"} is an error.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.Retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
		if err != nil {
			return err
		}
		return c.doJSON(req, "/health", &out)
	})
	if err != nil {
		return HealthResponse{}, errorsx.Wrap(err, errorsx.ReasonBackendHTTP)
	}
	if !strings.EqualFold(out.Status, "healthy") {
		return out, errorsx.New(errorsx.ReasonBackendHTTP, "server reports status %q", out.Status)
	}
	return out, nil
}

type transcribeResponse struct {
	TranscribedText string `json:"transcribed_text"`
	Error           string `json:"error"`
}

// Transcribe uploads audio as the multipart field "file" to POST /transcribe
// and returns the recognised text.
func (c *Client) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", errorsx.New(errorsx.ReasonBackendHTTP, "no audio to transcribe")
	}
	if filename == "" {
		filename = "recording.webm"
	}
	var out transcribeResponse
	err := c.Retry.Do(ctx, func(ctx context.Context) error {
		body, contentType, err := multipartFile(filepath.Base(filename), audio)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/transcribe", body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)
		return c.doJSON(req, "/transcribe", &out)
	})
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonBackendHTTP)
	}
	if out.Error != "" {
		return "", errorsx.New(errorsx.ReasonServerError, "transcribe: %s", out.Error)
	}
	c.log.Debug("rest_transcribed", "bytes", len(audio), "chars", len(out.TranscribedText))
	return out.TranscribedText, nil
}

func multipartFile(name string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func (c *Client) doJSON(req *http.Request, endpoint string, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		c.log.Warn("rest_request_failed", "endpoint", endpoint, "status", resp.StatusCode)
		return resilience.StatusError{Endpoint: endpoint, Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Package mlclient implements inference.Client over the classification
// service's HTTP interface: one multipart POST per image, one attempt.
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/realcheck/internal/inference"
	"github.com/example/realcheck/internal/logging"
)

const maxErrorBodyBytes = 4 << 10

// Client talks to the classification backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New returns a classification client for the service at baseURL. timeout
// bounds each call end to end; expiry is reported as ErrRemoteUnavailable.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("mlclient"),
	}
}

// predictReply mirrors the backend's JSON response. Label and confidence are
// required; the debug fields are logged and dropped.
type predictReply struct {
	Label         string   `json:"label"`
	Confidence    *float64 `json:"confidence"`
	Explanation   string   `json:"explanation"`
	DebugVariance *float64 `json:"debug_variance"`
	DebugProb     *float64 `json:"debug_prob"`
}

// Classify sends imageBytes to the backend and parses the structured result.
func (c *Client) Classify(ctx context.Context, imageBytes []byte, filename, mimeType string) (*inference.Result, error) {
	if len(imageBytes) == 0 {
		return nil, logging.NewOperationError("mlclient.classify", "", fmt.Errorf("%w: empty image payload", inference.ErrRemoteProtocol))
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, logging.NewOperationError("mlclient.build_request", "", err)
	}
	if _, err := part.Write(imageBytes); err != nil {
		return nil, logging.NewOperationError("mlclient.build_request", "", err)
	}
	if err := writer.Close(); err != nil {
		return nil, logging.NewOperationError("mlclient.build_request", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", body)
	if err != nil {
		return nil, logging.NewOperationError("mlclient.build_request", "", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("mlclient.classify", "", fmt.Errorf("%w: %v", inference.ErrRemoteUnavailable, err))
		c.logger.Error("classification call failed", zap.Error(wrapped), zap.String("filename", filename))
		return nil, wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		wrapped := logging.NewOperationError("mlclient.classify", "", fmt.Errorf("%w: status %d", inference.ErrRemoteRejected, resp.StatusCode))
		c.logger.Error("classification backend rejected request",
			zap.Error(wrapped),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", detail))
		return nil, wrapped
	}

	var reply predictReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		wrapped := logging.NewOperationError("mlclient.parse_reply", "", fmt.Errorf("%w: %v", inference.ErrRemoteProtocol, err))
		c.logger.Error("failed to decode classification reply", zap.Error(wrapped))
		return nil, wrapped
	}
	if reply.Label == "" || reply.Confidence == nil {
		wrapped := logging.NewOperationError("mlclient.parse_reply", "", fmt.Errorf("%w: reply missing label or confidence", inference.ErrRemoteProtocol))
		c.logger.Error("incomplete classification reply", zap.Error(wrapped))
		return nil, wrapped
	}

	diagnostics := []zap.Field{
		zap.String("label", reply.Label),
		zap.Float64("confidence", *reply.Confidence),
	}
	if reply.DebugVariance != nil {
		diagnostics = append(diagnostics, zap.Float64("debug_variance", *reply.DebugVariance))
	}
	if reply.DebugProb != nil {
		diagnostics = append(diagnostics, zap.Float64("debug_prob", *reply.DebugProb))
	}
	if reply.Explanation != "" {
		diagnostics = append(diagnostics, zap.String("explanation", reply.Explanation))
	}
	c.logger.Info("classification reply received", diagnostics...)

	return &inference.Result{
		Label:       inference.Label(reply.Label),
		Confidence:  *reply.Confidence,
		Explanation: reply.Explanation,
	}, nil
}

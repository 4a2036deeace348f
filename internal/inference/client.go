package inference

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

	"github.com/example/miniminds/internal/logging"
	"github.com/example/miniminds/internal/media"
)

const (
	EndpointPredict      = "predict"
	EndpointAnalyzeVideo = "analyze_video"
	EndpointChat         = "api/chat"

	maxResponseBody = 8 << 20
)

// Client talks to the remote inference service over HTTP. It never retries.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

// NewClient builds a client for baseURL with a per-request timeout.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.Named("inference_client"),
	}
}

// Predict uploads f to the predict endpoint.
func (c *Client) Predict(ctx context.Context, f *media.File) (*PredictionResult, error) {
	body, err := c.postFile(ctx, EndpointPredict, f)
	if err != nil {
		return nil, err
	}
	result, err := DecodePredictResult(body)
	if err != nil {
		return nil, c.contractFailure(EndpointPredict, err, body)
	}
	return result, nil
}

// AnalyzeVideo uploads f to the analyze_video endpoint.
func (c *Client) AnalyzeVideo(ctx context.Context, f *media.File) (*VideoAnalysis, error) {
	body, err := c.postFile(ctx, EndpointAnalyzeVideo, f)
	if err != nil {
		return nil, err
	}
	result, err := DecodeVideoAnalysis(body)
	if err != nil {
		return nil, c.contractFailure(EndpointAnalyzeVideo, err, body)
	}
	return result, nil
}

// Chat sends the synthesis prompt.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, logging.NewKindError(operationName(EndpointChat), "", logging.KindInternal, err)
	}
	body, err := c.do(ctx, EndpointChat, bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, err
	}
	resp, err := DecodeChatResponse(body)
	if err != nil {
		return nil, c.contractFailure(EndpointChat, err, body)
	}
	return resp, nil
}

// Ping checks that the service answers. FastAPI serves its schema at /openapi.json.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/openapi.json", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return logging.NewKindError("inference.ping", "", logging.KindTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return logging.NewKindError("inference.ping", "", logging.KindTransport,
			&StatusError{Endpoint: "openapi.json", StatusCode: resp.StatusCode})
	}
	return nil
}

func (c *Client) postFile(ctx context.Context, endpoint string, f *media.File) ([]byte, error) {
	form := &bytes.Buffer{}
	writer := multipart.NewWriter(form)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(f.Name)))
	header.Set("Content-Type", f.ContentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, logging.NewKindError(operationName(endpoint), "", logging.KindInternal, err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return nil, logging.NewKindError(operationName(endpoint), "", logging.KindInternal, err)
	}
	if err := writer.WriteField("type", string(f.Kind)); err != nil {
		return nil, logging.NewKindError(operationName(endpoint), "", logging.KindInternal, err)
	}
	if err := writer.Close(); err != nil {
		return nil, logging.NewKindError(operationName(endpoint), "", logging.KindInternal, err)
	}

	return c.do(ctx, endpoint, form, writer.FormDataContentType())
}

func (c *Client) do(ctx context.Context, endpoint string, body io.Reader, contentType string) ([]byte, error) {
	operation := operationName(endpoint)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, body)
	if err != nil {
		return nil, logging.NewKindError(operation, "", logging.KindInternal, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("inference request failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, logging.NewKindError(operation, "", logging.KindTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, logging.NewKindError(operation, "", logging.KindTransport, err)
	}

	c.logger.Debug("inference response",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(raw)),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: truncate(string(raw))}
		c.logger.Warn("inference service returned error status", zap.String("endpoint", endpoint), zap.Int("status", resp.StatusCode))
		return nil, logging.NewKindError(operation, "", logging.KindTransport, statusErr)
	}
	return raw, nil
}

func (c *Client) contractFailure(endpoint string, reason error, body []byte) error {
	contractErr := newContractError(endpoint, reason, body)
	c.logger.Warn("inference contract violation", zap.String("endpoint", endpoint), zap.String("reason", contractErr.Reason))
	return logging.NewKindError(operationName(endpoint), "", logging.KindContract, contractErr)
}

func operationName(endpoint string) string {
	return "inference." + strings.ReplaceAll(endpoint, "/", "_")
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

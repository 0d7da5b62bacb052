package transmission

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/esocialgw/internal/observability/logger"
	"github.com/smallbiznis/esocialgw/internal/observability/metrics"
	"github.com/smallbiznis/esocialgw/internal/observability/tracing"
	"go.uber.org/zap"
)

const (
	AdapterESocial = "esocial"

	defaultTimeout   = 60 * time.Second
	maxResponseBytes = 4 << 20
)

type SOAPFactory struct{}

func NewSOAPFactory() *SOAPFactory {
	return &SOAPFactory{}
}

func (f *SOAPFactory) Name() string {
	return AdapterESocial
}

func (f *SOAPFactory) New(cfg AdapterConfig) (Client, error) {
	if strings.TrimSpace(cfg.SubmitURL) == "" || strings.TrimSpace(cfg.QueryURL) == "" {
		return nil, fmt.Errorf("%w: submit and query urls are required", ErrInvalidConfig)
	}
	return NewSOAPClient(cfg), nil
}

// SOAPClient calls the eSocial batch web services.
type SOAPClient struct {
	submitURL string
	queryURL  string
	http      *http.Client
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewSOAPClient(cfg AdapterConfig) *SOAPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &SOAPClient{
		submitURL: strings.TrimSpace(cfg.SubmitURL),
		queryURL:  strings.TrimSpace(cfg.QueryURL),
		http:      tracing.WrapHTTPClient(httpClient),
		log:       log.Named("transmission.soap"),
		metrics:   cfg.Metrics,
	}
}

func (c *SOAPClient) Submit(ctx context.Context, signedXML []byte) (string, error) {
	body, err := c.call(ctx, "submit", c.submitURL, submitAction, submitEnvelope(signedXML))
	if err != nil {
		return "", err
	}

	var resp submitResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		c.record(ctx, "submit", "unparseable")
		return "", fmt.Errorf("%w: unparseable response: %v", ErrFatal, err)
	}
	if resp.Fault != nil {
		return "", c.faultError(ctx, "submit", resp.Fault)
	}

	status := resp.Result.Status
	switch {
	case status.Code >= 100 && status.Code < 300:
		protocol := strings.TrimSpace(resp.Result.Protocol)
		if protocol == "" {
			c.record(ctx, "submit", "fatal")
			return "", fmt.Errorf("%w: response %d carries no protocol", ErrFatal, status.Code)
		}
		c.record(ctx, "submit", "ok")
		logger.WithContext(ctx, c.log).Info("batch received",
			zap.String("protocol_id", protocol),
			zap.Int("code", status.Code),
		)
		return protocol, nil
	case status.Code >= 400 && status.Code < 500:
		c.record(ctx, "submit", "rejected")
		return "", fmt.Errorf("%w: %d %s", ErrServiceRejectedBatch, status.Code, status.reason())
	case status.Code >= 300:
		c.record(ctx, "submit", "retryable")
		return "", fmt.Errorf("%w: %d %s", ErrRetryable, status.Code, status.reason())
	default:
		c.record(ctx, "submit", "unparseable")
		return "", fmt.Errorf("%w: unexpected response code %d", ErrFatal, status.Code)
	}
}

func (c *SOAPClient) QueryStatus(ctx context.Context, protocolID string) (StatusResult, error) {
	protocolID = strings.TrimSpace(protocolID)
	if protocolID == "" {
		return StatusResult{}, fmt.Errorf("%w: empty protocol", ErrFatal)
	}

	body, err := c.call(ctx, "query", c.queryURL, queryAction, queryEnvelope(protocolID))
	if err != nil {
		return StatusResult{}, err
	}

	var resp queryResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		c.record(ctx, "query", "unparseable")
		return StatusResult{}, fmt.Errorf("%w: unparseable response: %v", ErrFatal, err)
	}
	if resp.Fault != nil {
		return StatusResult{}, c.faultError(ctx, "query", resp.Fault)
	}

	result, err := interpretQuery(resp)
	if err != nil {
		c.record(ctx, "query", "error")
		return StatusResult{}, err
	}
	c.record(ctx, "query", string(result.State))
	return result, nil
}

func interpretQuery(resp queryResponse) (StatusResult, error) {
	status := resp.Result.Status
	switch {
	case status.Code == codeBatchAwaiting:
		return StatusResult{State: StatePending}, nil
	case status.Code == codeBatchReceived || status.Code == codeBatchProcessed:
		if len(resp.Result.Events) == 0 {
			return StatusResult{State: StatePending}, nil
		}
		// one event per batch
		event := resp.Result.Events[0]
		code := event.Processing.Code
		if code == codeBatchReceived || code == codeBatchProcessed {
			receipt := strings.TrimSpace(event.Receipt)
			if receipt == "" {
				return StatusResult{}, fmt.Errorf("%w: accepted event carries no receipt", ErrFatal)
			}
			return StatusResult{State: StateAccepted, ReceiptID: receipt}, nil
		}
		return StatusResult{State: StateRejected, Reason: event.Processing.reason()}, nil
	case status.Code >= 300 && status.Code < 400, status.Code >= 500:
		return StatusResult{}, fmt.Errorf("%w: %d %s", ErrRetryable, status.Code, status.reason())
	default:
		return StatusResult{}, fmt.Errorf("%w: %d %s", ErrFatal, status.Code, status.reason())
	}
}

// call posts a SOAP envelope and classifies transport-level failures.
func (c *SOAPClient) call(ctx context.Context, operation, url, action string, envelope []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		c.record(ctx, operation, "fatal")
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+action+`"`)
	req.Header.Set("X-Request-Id", ulid.Make().String())

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(ctx, operation, "network")
		logger.WithContext(ctx, c.log).Warn("transmission call failed",
			zap.String("operation", operation),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.record(ctx, operation, "network")
		return nil, fmt.Errorf("%w: read response: %v", ErrRetryable, err)
	}

	logger.WithContext(ctx, c.log).Debug("transmission call",
		zap.String("operation", operation),
		zap.Int("http_status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500:
		// SOAP 1.1 faults arrive as HTTP 500
		var fault submitResponse
		if xml.Unmarshal(body, &fault) == nil && fault.Fault != nil {
			return nil, c.faultError(ctx, operation, fault.Fault)
		}
		c.record(ctx, operation, "retryable")
		return nil, fmt.Errorf("%w: http %d", ErrRetryable, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		c.record(ctx, operation, "retryable")
		return nil, fmt.Errorf("%w: http %d", ErrRetryable, resp.StatusCode)
	default:
		c.record(ctx, operation, "fatal")
		return nil, fmt.Errorf("%w: http %d", ErrFatal, resp.StatusCode)
	}
}

func (c *SOAPClient) faultError(ctx context.Context, operation string, fault *soapFault) error {
	if fault.clientFault() {
		c.record(ctx, operation, "fatal")
		return fmt.Errorf("%w: soap fault %s: %s", ErrFatal, fault.Code, strings.TrimSpace(fault.String))
	}
	c.record(ctx, operation, "retryable")
	return fmt.Errorf("%w: soap fault %s: %s", ErrRetryable, fault.Code, strings.TrimSpace(fault.String))
}

func (c *SOAPClient) record(ctx context.Context, operation, outcome string) {
	c.metrics.RecordTransmission(ctx, AdapterESocial, operation, outcome)
}

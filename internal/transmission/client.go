package transmission

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/smallbiznis/esocialgw/internal/clock"
	"github.com/smallbiznis/esocialgw/internal/observability/metrics"
	"go.uber.org/zap"
)

var (
	ErrRetryable            = errors.New("transmission_retryable")
	ErrFatal                = errors.New("transmission_fatal")
	ErrServiceRejectedBatch = errors.New("service_rejected_batch")
	ErrAdapterNotFound      = errors.New("adapter_not_found")
	ErrInvalidConfig        = errors.New("invalid_config")
)

// State is the remote processing state of a submitted batch.
type State string

const (
	StatePending  State = "pending"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
)

type StatusResult struct {
	State     State
	ReceiptID string
	Reason    string
}

//go:generate mockgen -source=client.go -destination=mock/client_mock.go -package=mock

// Client talks to the remote compliance web service.
type Client interface {
	// Submit sends a signed batch and returns the protocol id acknowledging
	// receipt for processing.
	Submit(ctx context.Context, signedXML []byte) (string, error)
	QueryStatus(ctx context.Context, protocolID string) (StatusResult, error)
}

// Factory builds a Client for one adapter kind.
type Factory interface {
	Name() string
	New(cfg AdapterConfig) (Client, error)
}

type AdapterConfig struct {
	SubmitURL  string
	QueryURL   string
	Timeout    time.Duration
	HTTPClient *http.Client

	SimulatorDelay time.Duration
	Clock          clock.Clock

	Log     *zap.Logger
	Metrics *metrics.Metrics
}

// IsRetryable reports whether err is safe to retry by resubmitting.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

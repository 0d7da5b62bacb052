package transmission

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/esocialgw/internal/clock"
	"github.com/smallbiznis/esocialgw/internal/observability/logger"
	"github.com/smallbiznis/esocialgw/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	AdapterSimulator = "simulator"

	defaultSimulatorDelay = 2 * time.Minute

	// ReasonUnsigned is returned for batches that carry no signature.
	ReasonUnsigned = "batch signature missing"
)

type SimulatorFactory struct{}

func NewSimulatorFactory() *SimulatorFactory {
	return &SimulatorFactory{}
}

func (f *SimulatorFactory) Name() string {
	return AdapterSimulator
}

func (f *SimulatorFactory) New(cfg AdapterConfig) (Client, error) {
	return NewSimulator(cfg.Clock, cfg.SimulatorDelay, cfg.Log, cfg.Metrics), nil
}

type simulatedBatch struct {
	submittedAt time.Time
	signed      bool
}

// Simulator accepts batches in process and settles them after a delay.
// Protocols it does not know (for example after a restart) settle as
// accepted.
type Simulator struct {
	clock   clock.Clock
	delay   time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	seq     int64
	batches map[string]simulatedBatch
}

func NewSimulator(c clock.Clock, delay time.Duration, log *zap.Logger, m *metrics.Metrics) *Simulator {
	if c == nil {
		c = clock.NewSystemClock()
	}
	if delay <= 0 {
		delay = defaultSimulatorDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Simulator{
		clock:   c,
		delay:   delay,
		log:     log.Named("transmission.simulator"),
		metrics: m,
		batches: make(map[string]simulatedBatch),
	}
}

func (s *Simulator) Submit(ctx context.Context, signedXML []byte) (string, error) {
	if len(bytes.TrimSpace(signedXML)) == 0 {
		s.metrics.RecordTransmission(ctx, AdapterSimulator, "submit", "rejected")
		return "", fmt.Errorf("%w: 401 empty batch", ErrServiceRejectedBatch)
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.seq++
	protocol := fmt.Sprintf("1.2.%s.%019d", now.Format("200601"), s.seq)
	s.batches[protocol] = simulatedBatch{
		submittedAt: now,
		signed:      bytes.Contains(signedXML, []byte("SignatureValue")),
	}
	s.mu.Unlock()

	s.metrics.RecordTransmission(ctx, AdapterSimulator, "submit", "ok")
	logger.WithContext(ctx, s.log).Info("batch received", zap.String("protocol_id", protocol))
	return protocol, nil
}

func (s *Simulator) QueryStatus(ctx context.Context, protocolID string) (StatusResult, error) {
	protocolID = strings.TrimSpace(protocolID)
	if protocolID == "" {
		return StatusResult{}, fmt.Errorf("%w: empty protocol", ErrFatal)
	}

	s.mu.Lock()
	batch, ok := s.batches[protocolID]
	s.mu.Unlock()

	result := StatusResult{State: StateAccepted, ReceiptID: receiptFor(protocolID)}
	switch {
	case !ok:
	case s.clock.Now().Sub(batch.submittedAt) < s.delay:
		result = StatusResult{State: StatePending}
	case !batch.signed:
		result = StatusResult{State: StateRejected, Reason: ReasonUnsigned}
	}

	s.metrics.RecordTransmission(ctx, AdapterSimulator, "query", string(result.State))
	return result, nil
}

func receiptFor(protocolID string) string {
	return "1." + strings.TrimPrefix(protocolID, "1.2.")
}

package transmission

import (
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/smallbiznis/esocialgw/internal/clock"
	"github.com/smallbiznis/esocialgw/internal/config"
	"github.com/smallbiznis/esocialgw/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("transmission",
	fx.Provide(ProvideRegistry),
	fx.Provide(NewClient),
)

func ProvideRegistry() *Registry {
	return NewRegistry(
		NewSOAPFactory(),
		NewSimulatorFactory(),
	)
}

type Params struct {
	fx.In

	Config   config.Config
	Registry *Registry
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics `optional:"true"`
}

// NewClient builds the adapter selected by TRANSMISSION_ADAPTER.
func NewClient(p Params) (Client, error) {
	cfg := p.Config.ESocial
	if !p.Registry.Exists(cfg.Adapter) {
		return nil, fmt.Errorf("%w: %q", ErrAdapterNotFound, cfg.Adapter)
	}

	httpClient, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	client, err := p.Registry.NewClient(cfg.Adapter, AdapterConfig{
		SubmitURL:      cfg.SubmitURL,
		QueryURL:       cfg.QueryURL,
		Timeout:        cfg.RequestTimeout,
		HTTPClient:     httpClient,
		SimulatorDelay: cfg.SimulatorDelay,
		Clock:          p.Clock,
		Log:            p.Log,
		Metrics:        p.Metrics,
	})
	if err != nil {
		return nil, err
	}
	p.Log.Info("transmission adapter ready", zap.String("adapter", cfg.Adapter))
	return client, nil
}

func newHTTPClient(cfg config.ESocialConfig) (*http.Client, error) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if cfg.ClientCertFile == "" || cfg.ClientKeyFile == "" {
		return &http.Client{Timeout: timeout}, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: client certificate: %v", ErrInvalidConfig, err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

package secretstore

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"github.com/smallbiznis/esocialgw/internal/config"
	"github.com/smallbiznis/esocialgw/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("secretstore",
	fx.Provide(NewStore),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Metrics   *metrics.Metrics `optional:"true"`
}

func NewStore(p Params) (Store, error) {
	switch p.Config.Secret.Provider {
	case config.SecretProviderMemory:
		p.Log.Warn("using in-memory secret store; credentials are lost on restart")
		return NewMemoryStore(), nil
	case config.SecretProviderGCP, "":
		client, err := secretmanager.NewClient(context.Background())
		if err != nil {
			return nil, fmt.Errorf("secretmanager client: %w", err)
		}
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return client.Close()
			},
		})
		return NewGCPStore(client, p.Config.Secret.ProjectID, p.Log, p.Metrics), nil
	default:
		return nil, fmt.Errorf("unknown secret provider %q", p.Config.Secret.Provider)
	}
}

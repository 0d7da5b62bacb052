package poller

import (
	"context"

	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	"go.uber.org/fx"
)

// Module provides the poller without starting it.
var Module = fx.Module("poller",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)

// NotifierModule is shared by the orchestrator and the poller so a handoff
// can wake the run loop in the same process.
var NotifierModule = fx.Module("poller.notifier",
	fx.Provide(NewNotifier),
	fx.Provide(func(n *Notifier) domain.ReceiptTracker { return n }),
)

// SubmitterModule adapts the orchestrator to the automatic retry job.
var SubmitterModule = fx.Module("poller.submitter",
	fx.Provide(func(svc domain.Service) Submitter { return svc }),
)

// Run starts the loop with the application lifecycle.
func Run(lc fx.Lifecycle, poller *Poller) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go poller.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}

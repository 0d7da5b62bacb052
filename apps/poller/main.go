package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/esocialgw/internal/batch"
	"github.com/smallbiznis/esocialgw/internal/clock"
	"github.com/smallbiznis/esocialgw/internal/compliance"
	"github.com/smallbiznis/esocialgw/internal/config"
	"github.com/smallbiznis/esocialgw/internal/observability"
	"github.com/smallbiznis/esocialgw/internal/poller"
	"github.com/smallbiznis/esocialgw/internal/providers/pdf"
	"github.com/smallbiznis/esocialgw/internal/ratelimit"
	"github.com/smallbiznis/esocialgw/internal/secretstore"
	"github.com/smallbiznis/esocialgw/internal/signer"
	"github.com/smallbiznis/esocialgw/internal/transmission"
	"github.com/smallbiznis/esocialgw/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		// Retries resubmit through the same pipeline the API uses.
		secretstore.Module,
		batch.Module,
		signer.Module,
		transmission.Module,
		pdf.Module,
		compliance.Module,

		poller.NotifierModule,
		poller.SubmitterModule,
		poller.Module,
		fx.Invoke(poller.Run),

		// No server module!
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}

package signer

import "go.uber.org/fx"

var Module = fx.Module("signer",
	fx.Provide(New),
)

package batch

import (
	"github.com/smallbiznis/esocialgw/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("batch",
	fx.Provide(Provide),
)

func Provide(cfg config.Config) *Builder {
	return New(Options{
		Environment:         cfg.ESocial.Environment,
		ProcessVersion:      cfg.ESocial.ProcessVersion,
		TransmitterType:     cfg.ESocial.TransmitterType,
		TransmitterDocument: cfg.ESocial.TransmitterDocument,
	})
}

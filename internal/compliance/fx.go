package compliance

import (
	"github.com/smallbiznis/esocialgw/internal/compliance/events"
	"github.com/smallbiznis/esocialgw/internal/compliance/repository"
	"github.com/smallbiznis/esocialgw/internal/compliance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("compliance.service",
	fx.Provide(repository.Provide),
	fx.Provide(events.NewPublisher),
	fx.Provide(service.New),
)

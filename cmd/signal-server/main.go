package main

import (
	"go.uber.org/fx"

	"github.com/Sharif2023/StudyNest-sub000/internal/registry"
	"github.com/Sharif2023/StudyNest-sub000/pkg/protocol"
	"github.com/Sharif2023/StudyNest-sub000/pkg/service"
)

func main() {
	fx.New(
		fx.Provide(
			registry.NewRegistry,

			protocol.AsHttpController(registry.NewRegistryController),
		),

		service.LoggerModule,
		service.HttpModule,
	).Run()
}

package modules

import (
	"github.com/iota-uz/iam-demo/modules/iam"
	"github.com/iota-uz/iam-demo/pkg/application"
)

var BuiltInModules = []application.Module{
	iam.NewModule(),
}

func Load(app application.Application, externalModules ...application.Module) error {
	for _, module := range externalModules {
		if err := module.Register(app); err != nil {
			return err
		}
	}
	return nil
}

package modules

import (
	"github.com/iota-uz/approval-sdk/modules/approval"
	"github.com/iota-uz/approval-sdk/pkg/application"
)

var BuiltInModules = []application.Module{
	approval.NewModule(),
}

func Load(app application.Application, externalModules ...application.Module) error {
	for _, module := range append(BuiltInModules, externalModules...) {
		if err := module.Register(app); err != nil {
			return err
		}
	}
	return nil
}

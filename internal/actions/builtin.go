package actions

import (
	"log/slog"

	"github.com/rendis/flowengine/pkg/schema"
)

// RegisterBuiltins registers an executor for every side-effecting node type.
func RegisterBuiltins(reg *Registry, c Collaborators, logger *slog.Logger) error {
	all := []Executor{
		NewMessageExecutor(schema.NodeMessage, c, logger),
		NewMessageExecutor(schema.NodeInteractive, c, logger),
		NewMessageExecutor(schema.NodeWaitForResponse, c, logger),
		NewTagExecutor(c),
		NewStageExecutor(c),
		NewStatusExecutor(c),
		NewAIActionExecutor(c),
		NewExternalNotifyExecutor(c),
	}

	for _, e := range all {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

package app

import (
	"github.com/vk/convergo/internal/cachestore"
	"github.com/vk/convergo/internal/registry"
	"github.com/vk/convergo/modules/assert"
	"github.com/vk/convergo/modules/command"
	"github.com/vk/convergo/modules/file"
	"github.com/vk/convergo/modules/pkg"
	"github.com/vk/convergo/modules/script"
	"github.com/vk/convergo/modules/service"
	"github.com/vk/convergo/modules/shellenv"
)

// coreModules is the definitive list of all item modules compiled into
// the convergo binary. The file module is built per app instance: it
// shares the cache store and receives the rendered template context
// before reconciliation.
func coreModules(fileMod *file.Module) []registry.Module {
	return []registry.Module{
		&pkg.Module{},
		&service.Module{},
		fileMod,
		&shellenv.Module{},
		&script.Module{},
		&command.Module{},
		&assert.Module{},
	}
}

// newFileModule wires the file module's collaborators.
func newFileModule(cache *cachestore.Store) *file.Module {
	return &file.Module{Cache: cache}
}

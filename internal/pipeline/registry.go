package pipeline

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeline/internal/nn"
)

// StageFactory constructs a stage on the backend of the device it is
// placed on.
type StageFactory func(backend Backend) nn.Stage

var (
	registryMu sync.RWMutex
	registry   = make(map[string]StageFactory)
)

// RegisterStage makes a stage constructor available under a name, so
// module references can be instantiated on any worker in the process
// group. Typically called from init functions, like gob.Register.
//
// Panics if the name is already taken.
func RegisterStage(name string, factory StageFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("pipeline: RegisterStage called twice for stage " + name)
	}
	registry[name] = factory
}

func lookupStage(name string) (StageFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(ErrConfig, "stage %q is not registered", name)
	}
	return factory, nil
}

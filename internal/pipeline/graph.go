package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/born-ml/pipeline/internal/tensor"
)

// ModelInput marks an input source that comes from the model input
// rather than from another module.
const ModelInput = -1

// ModuleRef describes a stage to be placed on a remote worker and
// device, possibly instantiated at a later time.
type ModuleRef struct {
	Stage      string // registered stage factory name
	NumInputs  int
	NumOutputs int // 0 when the stage produces a single, undeclared output

	worker string
	device tensor.Device
	placed bool
	id     ModuleID
}

// NewModuleRef creates a reference to a registered stage. numOutputs is
// 0 unless the stage declares a multi-output forward.
func NewModuleRef(stage string, numInputs, numOutputs int) *ModuleRef {
	return &ModuleRef{Stage: stage, NumInputs: numInputs, NumOutputs: numOutputs}
}

// Place assigns the module to a worker and device. Must be called before
// the graph is used to build a pipeline.
func (m *ModuleRef) Place(worker string, device tensor.Device) *ModuleRef {
	m.worker = worker
	m.device = device
	m.placed = true
	return m
}

// Worker returns the assigned worker name.
func (m *ModuleRef) Worker() string { return m.worker }

// Device returns the assigned device.
func (m *ModuleRef) Device() tensor.Device { return m.device }

// OutputCount returns the effective number of outputs.
func (m *ModuleRef) OutputCount() int {
	if m.NumOutputs == 0 {
		return 1
	}
	return m.NumOutputs
}

// instantiate creates the stage on its worker, once.
func (m *ModuleRef) instantiate(ctx context.Context, conn Conn) error {
	if !m.placed {
		return errors.Wrapf(ErrPlacement, "module %q has no worker assigned", m.Stage)
	}
	if m.id != uuid.Nil {
		return nil
	}
	id, err := conn.CreateModule(ctx, m.worker, ModuleSpec{Stage: m.Stage, Device: m.device})
	if err != nil {
		return errors.Wrapf(err, "instantiating module %q on %s", m.Stage, m.worker)
	}
	m.id = id
	return nil
}

// Source identifies where one input of a module comes from: output slot
// Slot of module Producer, or model input Slot when Producer is
// ModelInput.
type Source struct {
	Producer int
	Slot     int
}

// Consumer identifies one use of an output: input slot InputSlot of
// module Node reads output slot OutputSlot.
type Consumer struct {
	Node       int
	InputSlot  int
	OutputSlot int
}

// Graph is a collection of module references with connections showing
// how model inputs and module outputs feed subsequent modules.
//
// Builder methods declare connections; Validate checks the result before
// a pipeline is built over it.
type Graph struct {
	modules []*ModuleRef
	inputs  [][]Source // nil until declared

	// computed by computeConsumers
	outputConsumers     [][]Consumer
	modelInputConsumers []Consumer
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Len returns the number of modules in the graph.
func (g *Graph) Len() int { return len(g.modules) }

// Module returns the module at index i.
func (g *Graph) Module(i int) *ModuleRef { return g.modules[i] }

func (g *Graph) index(m *ModuleRef) int {
	for i, existing := range g.modules {
		if existing == m {
			return i
		}
	}
	return -1
}

func (g *Graph) findOrAdd(m *ModuleRef) int {
	if i := g.index(m); i >= 0 {
		return i
	}
	g.modules = append(g.modules, m)
	g.inputs = append(g.inputs, nil)
	return len(g.modules) - 1
}

// AddSequence adds modules to be run sequentially: the first output of
// each module feeds the first input of the next. firstInput optionally
// names a previously added module whose first output feeds the first
// module of the sequence.
func (g *Graph) AddSequence(modules []*ModuleRef, firstInput *ModuleRef) {
	old := len(g.modules)
	g.modules = append(g.modules, modules...)
	for range modules {
		g.inputs = append(g.inputs, nil)
	}
	for i := old + 1; i < old+len(modules); i++ {
		g.inputs[i] = []Source{{Producer: i - 1, Slot: 0}}
	}
	if firstInput != nil {
		g.inputs[old] = []Source{{Producer: g.index(firstInput), Slot: 0}}
	}
}

// FeedModelInput declares a module's input to be the model input. For
// models with several inputs, ind selects which one.
func (g *Graph) FeedModelInput(m *ModuleRef, ind int) {
	g.inputs[g.findOrAdd(m)] = []Source{{Producer: ModelInput, Slot: ind}}
}

// AddMultiInputLayer adds a module whose inputs are the first outputs of
// several previously added modules, in order.
func (g *Graph) AddMultiInputLayer(m *ModuleRef, inputs []*ModuleRef) {
	sources := make([]Source, len(inputs))
	for i, in := range inputs {
		sources[i] = Source{Producer: g.index(in), Slot: 0}
	}
	g.inputs[g.findOrAdd(m)] = sources
}

// FanOut feeds output slot i of a previously added module to outputs[i].
func (g *Graph) FanOut(m *ModuleRef, outputs []*ModuleRef) {
	mi := g.index(m)
	for i, out := range outputs {
		g.inputs[g.findOrAdd(out)] = []Source{{Producer: mi, Slot: i}}
	}
}

// ReplicateOutput feeds the first output of a previously added module to
// every module in outputs.
func (g *Graph) ReplicateOutput(m *ModuleRef, outputs []*ModuleRef) {
	mi := g.index(m)
	for _, out := range outputs {
		g.inputs[g.findOrAdd(out)] = []Source{{Producer: mi, Slot: 0}}
	}
}

// Validate checks that the graph is well formed:
//
//   - it has at least one module and every module has declared inputs;
//   - input arities match each module's NumInputs and referenced output
//     slots exist on their producers;
//   - every input comes from the model input or from a module with a
//     smaller index, which also guarantees acyclicity;
//   - every module is reachable from a model input.
func (g *Graph) Validate() error {
	if len(g.modules) == 0 {
		return errors.Wrap(ErrGraph, "graph has no modules")
	}

	reachable := make([]bool, len(g.modules))
	for i, inputs := range g.inputs {
		m := g.modules[i]
		if inputs == nil {
			return errors.Wrapf(ErrGraph, "module %d (%s) has no declared inputs", i, m.Stage)
		}
		if len(inputs) != m.NumInputs {
			return errors.Wrapf(ErrGraph, "module %d (%s) declares %d inputs but %d are connected",
				i, m.Stage, m.NumInputs, len(inputs))
		}
		for j, src := range inputs {
			switch {
			case src.Producer == ModelInput:
				if src.Slot < 0 {
					return errors.Wrapf(ErrGraph, "module %d (%s) input %d: negative model input index", i, m.Stage, j)
				}
				reachable[i] = true
			case src.Producer < 0 || src.Producer >= len(g.modules):
				return errors.Wrapf(ErrGraph, "module %d (%s) input %d: producer %d out of range", i, m.Stage, j, src.Producer)
			case src.Producer >= i:
				// Forward references would break the partition ordering
				// the executor relies on, and permit cycles.
				return errors.Wrapf(ErrGraph, "module %d (%s) input %d: producer %d does not precede it", i, m.Stage, j, src.Producer)
			default:
				producer := g.modules[src.Producer]
				if src.Slot < 0 || src.Slot >= producer.OutputCount() {
					return errors.Wrapf(ErrGraph, "module %d (%s) input %d: producer %d has no output slot %d",
						i, m.Stage, j, src.Producer, src.Slot)
				}
				if reachable[src.Producer] {
					reachable[i] = true
				}
			}
		}
	}

	for i, r := range reachable {
		if !r {
			return errors.Wrapf(ErrGraph, "module %d (%s) is not reachable from any model input", i, g.modules[i].Stage)
		}
	}
	return nil
}

// computeConsumers precomputes, for every module output and every model
// input, the list of (module, input slot) pairs consuming it.
func (g *Graph) computeConsumers() {
	g.outputConsumers = make([][]Consumer, len(g.modules))
	g.modelInputConsumers = nil
	for i, inputs := range g.inputs {
		for j, src := range inputs {
			c := Consumer{Node: i, InputSlot: j, OutputSlot: src.Slot}
			if src.Producer >= 0 {
				g.outputConsumers[src.Producer] = append(g.outputConsumers[src.Producer], c)
			} else {
				g.modelInputConsumers = append(g.modelInputConsumers, c)
			}
		}
	}
}

// instantiate creates every module of the graph on its worker.
func (g *Graph) instantiate(ctx context.Context, conn Conn) error {
	for _, m := range g.modules {
		if err := m.instantiate(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

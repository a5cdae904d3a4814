// Package pipeline implements synchronous pipeline parallelism over a
// graph of stages placed on remote workers and devices.
//
// A model is described as a Graph of module references, partitioned into
// maximal single-device runs, and executed by per-partition handlers
// that stream micro-batch chunks through the pipeline.
package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/born-ml/pipeline/internal/tensor"
)

// CheckpointMode controls which micro-batches run under activation
// checkpointing.
type CheckpointMode string

const (
	// CheckpointAlways checkpoints every micro-batch.
	CheckpointAlways CheckpointMode = "always"
	// CheckpointExceptLast checkpoints all micro-batches but the last.
	CheckpointExceptLast CheckpointMode = "except_last"
	// CheckpointNever disables checkpointing.
	CheckpointNever CheckpointMode = "never"
)

// Config holds pipeline execution settings.
type Config struct {
	// Chunks is the number of micro-batches a mini-batch is split into.
	Chunks int
	// Checkpoint selects the checkpointing mode. Empty means
	// CheckpointExceptLast.
	Checkpoint CheckpointMode
}

// checkpointStop maps the mode to the micro-batch index where
// checkpointing stops.
func (c Config) checkpointStop() (int, error) {
	mode := c.Checkpoint
	if mode == "" {
		mode = CheckpointExceptLast
	}
	switch mode {
	case CheckpointAlways:
		return c.Chunks, nil
	case CheckpointExceptLast:
		return c.Chunks - 1, nil
	case CheckpointNever:
		return 0, nil
	default:
		return 0, errors.Wrapf(ErrConfig, "checkpoint mode %q is not one of always, except_last, never", mode)
	}
}

type partitionInfo struct {
	nodes   []int
	worker  string
	device  tensor.Device
	handler HandlerID
}

type inputFeed struct {
	partition  int
	inputSlot  int
	modelInput int
}

// Pipeline drives a partitioned graph with synchronous pipeline
// parallelism: each Forward call splits the mini-batch into chunks and
// streams them through the partitions.
type Pipeline struct {
	graph      *Graph
	conn       Conn
	chunks     int
	partitions []partitionInfo
	inputFeeds []inputFeed
	numInputs  int
}

// New validates the graph and configuration, instantiates all modules,
// splits the graph into partitions and creates one executor per
// partition.
func New(ctx context.Context, graph *Graph, conn Conn, cfg Config) (*Pipeline, error) {
	if cfg.Chunks <= 0 {
		return nil, errors.Wrapf(ErrConfig, "number of chunks must be positive, got %d", cfg.Chunks)
	}
	checkpointStop, err := cfg.checkpointStop()
	if err != nil {
		return nil, err
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	graph.computeConsumers()

	if err := graph.instantiate(ctx, conn); err != nil {
		return nil, err
	}

	parts := splitModules(graph)

	// Consumer nodes always start a partition; map heads to partition
	// indices for user wiring.
	headToPartition := make(map[int]int, len(parts))
	for i, p := range parts {
		headToPartition[p.first()] = i
	}

	p := &Pipeline{
		graph:      graph,
		conn:       conn,
		chunks:     cfg.Chunks,
		partitions: make([]partitionInfo, len(parts)),
	}

	for i, part := range parts {
		first := graph.Module(part.first())
		last := graph.Module(part.last())

		moduleIDs := make([]ModuleID, len(part.Modules))
		for j, n := range part.Modules {
			moduleIDs[j] = graph.Module(n).id
		}

		handlerID, err := conn.CreateHandler(ctx, first.worker, HandlerSpec{
			Modules:        moduleIDs,
			Device:         first.device,
			NumInputs:      first.NumInputs,
			NumOutputs:     last.NumOutputs,
			Rank:           i,
			Chunks:         cfg.Chunks,
			CheckpointStop: checkpointStop,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "creating executor for partition %d on %s", i, first.worker)
		}

		p.partitions[i] = partitionInfo{
			nodes:   part.Modules,
			worker:  first.worker,
			device:  first.device,
			handler: handlerID,
		}
	}

	for _, c := range graph.modelInputConsumers {
		pi, ok := headToPartition[c.Node]
		if !ok {
			return nil, errors.Wrapf(ErrInternal, "model input consumer %d is not a partition head", c.Node)
		}
		p.inputFeeds = append(p.inputFeeds, inputFeed{
			partition:  pi,
			inputSlot:  c.InputSlot,
			modelInput: c.OutputSlot,
		})
		if c.OutputSlot+1 > p.numInputs {
			p.numInputs = c.OutputSlot + 1
		}
	}

	klog.V(1).Infof("pipeline: %d modules in %d partitions, %d chunks", graph.Len(), len(parts), cfg.Chunks)
	return p, nil
}

// Partitions returns the number of partitions.
func (p *Pipeline) Partitions() int {
	return len(p.partitions)
}

// Forward runs one mini-batch through the pipeline and returns the
// output of the final partition. Inputs are split into chunks along
// dimension 0; outputs are gathered back along dimension 0.
func (p *Pipeline) Forward(ctx context.Context, inputs ...*tensor.RawTensor) (*tensor.RawTensor, error) {
	if len(inputs) != p.numInputs {
		return nil, errors.Wrapf(ErrConfig, "model expects %d inputs, got %d", p.numInputs, len(inputs))
	}

	batches := make([][]*tensor.RawTensor, len(inputs))
	for i, input := range inputs {
		parts, err := scatter(input, p.chunks)
		if err != nil {
			return nil, errors.Wrapf(err, "scattering input %d", i)
		}
		batches[i] = parts
	}

	// Create records back to front so each partition knows the records
	// of its consumers.
	records := make([]RecordRef, len(p.partitions))
	for i := len(p.partitions) - 1; i >= 0; i-- {
		info := p.partitions[i]

		var users []UserSpec
		for _, c := range p.graph.outputConsumers[info.nodes[len(info.nodes)-1]] {
			up, ok := p.headToPartitionOf(c.Node)
			if !ok {
				return nil, errors.Wrapf(ErrInternal, "consumer %d is not a partition head", c.Node)
			}
			if up <= i {
				return nil, errors.Wrapf(ErrInternal, "partition %d consumes output of later partition %d", up, i)
			}
			users = append(users, UserSpec{
				Record:     records[up],
				InputSlot:  c.InputSlot,
				OutputSlot: c.OutputSlot,
			})
		}

		id, err := p.conn.CreateRecord(ctx, info.worker, RecordSpec{Handler: info.handler, Users: users})
		if err != nil {
			return nil, errors.Wrapf(err, "creating record for partition %d", i)
		}
		records[i] = RecordRef{Worker: info.worker, ID: id}
	}

	var result *tensor.RawTensor
	g, gctx := errgroup.WithContext(ctx)

	for i := range p.partitions {
		info := p.partitions[i]
		rec := records[i]
		terminal := i == len(p.partitions)-1
		g.Go(func() error {
			out, err := p.conn.RunRecord(gctx, info.worker, rec.ID)
			if err != nil {
				return err
			}
			if terminal {
				result = out
			}
			return nil
		})
	}

	// Feed model inputs chunk by chunk.
	g.Go(func() error {
		for chunk := 0; chunk < p.chunks; chunk++ {
			for _, feed := range p.inputFeeds {
				info := p.partitions[feed.partition]
				rec := records[feed.partition]
				value := batches[feed.modelInput][chunk]
				if _, err := p.conn.Feed(gctx, info.worker, rec.ID, chunk, feed.inputSlot, value); err != nil {
					return errors.Wrapf(err, "feeding chunk %d to partition %d", chunk, feed.partition)
				}
			}
		}
		return nil
	})

	// An executor can be left waiting for a feed that will never arrive:
	// the feeder stops at its first failed Feed, and entry partitions
	// have no upstream to abort them. Drain every record once the group
	// context dies, whether from a failure or from caller cancellation.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-watchDone:
		case <-gctx.Done():
			for i := range p.partitions {
				info := p.partitions[i]
				if err := p.conn.Abort(context.Background(), info.worker, records[i].ID, gctx.Err().Error()); err != nil {
					klog.V(1).Infof("pipeline: draining record on %s: %v", info.worker, err)
				}
			}
		}
	}()

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.Wrap(ErrInternal, "terminal partition produced no output")
	}
	return result, nil
}

func (p *Pipeline) headToPartitionOf(node int) (int, bool) {
	for i, info := range p.partitions {
		if info.nodes[0] == node {
			return i, true
		}
	}
	return 0, false
}

// ParameterRefs lists the trainable parameters of all partitions, in
// partition order.
func (p *Pipeline) ParameterRefs(ctx context.Context) ([]ParamRef, error) {
	var refs []ParamRef
	for i, info := range p.partitions {
		partRefs, err := p.conn.Parameters(ctx, info.worker, info.handler)
		if err != nil {
			return nil, errors.Wrapf(err, "listing parameters of partition %d", i)
		}
		refs = append(refs, partRefs...)
	}
	return refs, nil
}

// FetchParameter resolves one of the references returned by
// ParameterRefs to its tensor. Local references resolve to the live
// parameter; remote ones cross the connection.
func (p *Pipeline) FetchParameter(ctx context.Context, ref ParamRef) (*tensor.RawTensor, error) {
	return p.conn.FetchParameter(ctx, ref)
}

// Train switches every partition between training and eval mode. In
// eval mode activation checkpointing is disabled.
func (p *Pipeline) Train(ctx context.Context, training bool) error {
	for i, info := range p.partitions {
		if err := p.conn.SetTraining(ctx, info.worker, info.handler, training); err != nil {
			return errors.Wrapf(err, "switching partition %d", i)
		}
	}
	return nil
}

// To always fails: the pipeline manages device placement for its
// partitions, so moving parameters wholesale is denied.
func (p *Pipeline) To(tensor.Device) error {
	return errors.Wrap(ErrPlacement, "denied to move parameters and buffers: the pipeline manages device placement")
}

// Placement names a worker and device for one partition of a sequence.
type Placement struct {
	Worker string
	Device tensor.Device
}

// NewSequencePipeline builds a pipeline from layers that run
// sequentially. balance says how many consecutive layers each placement
// receives; its sum must equal the number of layers.
func NewSequencePipeline(ctx context.Context, layers []*ModuleRef, balance []int, placements []Placement, conn Conn, cfg Config) (*Pipeline, error) {
	if len(balance) != len(placements) {
		return nil, errors.Wrapf(ErrConfig, "balance has %d entries, placements %d", len(balance), len(placements))
	}
	total := 0
	for _, b := range balance {
		if b <= 0 {
			return nil, errors.Wrap(ErrConfig, "balance entries must be positive")
		}
		total += b
	}
	if total != len(layers) {
		return nil, errors.Wrapf(ErrConfig, "balance sums to %d but there are %d layers", total, len(layers))
	}

	index := 0
	for i, b := range balance {
		for j := 0; j < b; j++ {
			layers[index+j].Place(placements[i].Worker, placements[i].Device)
		}
		index += b
	}

	graph := NewGraph()
	graph.AddSequence(layers, nil)
	graph.FeedModelInput(layers[0], 0)

	return New(ctx, graph, conn, cfg)
}

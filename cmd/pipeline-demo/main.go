// Package main runs a small pipeline-parallel model end to end on two
// in-process workers: two linear layers with a ReLU between them,
// split across the workers, driven with micro-batch chunks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/born-ml/pipeline/backend/cpu"
	"github.com/born-ml/pipeline/nn"
	"github.com/born-ml/pipeline/pipeline"
	"github.com/born-ml/pipeline/tensor"
)

const (
	inFeatures     = 8
	hiddenFeatures = 16
	outFeatures    = 4
	batchSize      = 8
)

func init() {
	pipeline.RegisterStage("demo/fc-in", func(b pipeline.Backend) nn.Stage {
		return nn.NewLinear(inFeatures, hiddenFeatures, b)
	})
	pipeline.RegisterStage("demo/act", func(b pipeline.Backend) nn.Stage {
		return nn.NewReLU(b)
	})
	pipeline.RegisterStage("demo/fc-out", func(b pipeline.Backend) nn.Stage {
		return nn.NewLinear(hiddenFeatures, outFeatures, b)
	})
}

func main() {
	chunks := flag.Int("chunks", 4, "micro-batches per forward call")
	checkpoint := flag.String("checkpoint", string(pipeline.CheckpointExceptLast),
		"checkpoint mode: always, except_last, never")
	klog.InitFlags(nil)
	flag.Parse()

	if err := run(*chunks, pipeline.CheckpointMode(*checkpoint)); err != nil {
		fmt.Fprintln(os.Stderr, "pipeline-demo:", err)
		os.Exit(1)
	}
}

func run(chunks int, checkpoint pipeline.CheckpointMode) error {
	ctx := context.Background()

	fcIn := pipeline.NewModuleRef("demo/fc-in", 1, 0).Place("w1", tensor.CPU)
	act := pipeline.NewModuleRef("demo/act", 1, 0).Place("w1", tensor.CPU)
	fcOut := pipeline.NewModuleRef("demo/fc-out", 1, 0).Place("w2", tensor.CPU)

	graph := pipeline.NewGraph()
	graph.AddSequence([]*pipeline.ModuleRef{fcIn, act, fcOut}, nil)
	graph.FeedModelInput(fcIn, 0)

	w1 := pipeline.NewWorker("w1")
	w2 := pipeline.NewWorker("w2")
	defer w1.Close()
	defer w2.Close()
	conn := pipeline.NewLocalConn(w1, w2)

	p, err := pipeline.New(ctx, graph, conn, pipeline.Config{Chunks: chunks, Checkpoint: checkpoint})
	if err != nil {
		return err
	}
	fmt.Printf("pipeline built: %d partitions, %d chunks, checkpoint=%s\n",
		p.Partitions(), chunks, checkpoint)

	scratch := cpu.New()
	input := tensor.Randn[float32](tensor.Shape{batchSize, inFeatures}, scratch)
	target := tensor.Randn[float32](tensor.Shape{batchSize, outFeatures}, scratch)

	output, err := p.Forward(ctx, input.Raw())
	if err != nil {
		return err
	}
	fmt.Printf("forward output shape: %v\n", output.Shape())

	loss, err := p.Loss(pipeline.MSELoss, output, target.Raw())
	if err != nil {
		return err
	}
	fmt.Printf("mse loss: %.6f\n", loss.AsFloat32()[0])

	backend, err := p.TerminalBackend()
	if err != nil {
		return err
	}
	seed, err := tensor.NewRaw(loss.Shape(), loss.DType(), loss.Device())
	if err != nil {
		return err
	}
	seed.AsFloat32()[0] = 1
	grads := backend.GetTape().Backward(seed, backend)
	fmt.Printf("backward produced gradients for %d tensors on the terminal device\n", len(grads))

	refs, err := p.ParameterRefs(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		fmt.Printf("parameter %s on %s", ref.Name, ref.Worker)
		if value, err := p.FetchParameter(ctx, ref); err == nil {
			if g, ok := grads[value]; ok {
				fmt.Printf(" grad[0]=%.6f", g.AsFloat32()[0])
			}
		}
		fmt.Println()
	}
	return nil
}

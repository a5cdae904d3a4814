// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package pipeline provides distributed pipeline parallelism for models
// expressed as graphs of stages spread over workers and devices.
//
// A model is described as a Graph of module references, each placed on
// a worker and device. New partitions the graph, instantiates each
// partition on its worker, and returns a Pipeline whose Forward splits
// a mini-batch into micro-batch chunks and streams them through the
// partitions concurrently.
//
// Example:
//
//	a := pipeline.NewModuleRef("linear-4-4", 1, 0).Place("w1", tensor.CPU)
//	b := pipeline.NewModuleRef("relu", 1, 0).Place("w2", tensor.CPU)
//
//	graph := pipeline.NewGraph()
//	graph.AddSequence([]*pipeline.ModuleRef{a, b}, nil)
//	graph.FeedModelInput(a, 0)
//
//	conn := pipeline.NewLocalConn(pipeline.NewWorker("w1"), pipeline.NewWorker("w2"))
//	p, err := pipeline.New(ctx, graph, conn, pipeline.Config{Chunks: 4})
//	out, err := p.Forward(ctx, input)
package pipeline

import (
	"context"

	"github.com/born-ml/pipeline/internal/pipeline"
	"github.com/born-ml/pipeline/internal/tensor"
)

// Error categories for pipeline failures, tested with errors.Is.
var (
	ErrConfig    = pipeline.ErrConfig
	ErrGraph     = pipeline.ErrGraph
	ErrPlacement = pipeline.ErrPlacement
	ErrCompute   = pipeline.ErrCompute
	ErrInternal  = pipeline.ErrInternal
)

// ModelInput marks an input slot fed from the pipeline's own input
// rather than another module.
const ModelInput = pipeline.ModelInput

// ModuleRef is a placed reference to a registered stage in a graph.
type ModuleRef = pipeline.ModuleRef

// NewModuleRef creates a reference to a registered stage with the given
// arity. Place it on a worker and device before building the pipeline.
func NewModuleRef(stage string, numInputs, numOutputs int) *ModuleRef {
	return pipeline.NewModuleRef(stage, numInputs, numOutputs)
}

// Graph describes the dataflow between module references.
type Graph = pipeline.Graph

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return pipeline.NewGraph()
}

// Backend is the compute interface partitions run on: tensor operations
// plus the tape, dependency, and checkpoint hooks.
type Backend = pipeline.Backend

// StageFactory builds a stage instance on a worker's backend.
type StageFactory = pipeline.StageFactory

// RegisterStage registers a named stage factory. Workers instantiate
// graph modules by these names. Panics on duplicate registration.
func RegisterStage(name string, factory StageFactory) {
	pipeline.RegisterStage(name, factory)
}

// Identifiers and control messages of the worker protocol.
type (
	ModuleID    = pipeline.ModuleID
	HandlerID   = pipeline.HandlerID
	RecordID    = pipeline.RecordID
	TokenID     = pipeline.TokenID
	ModuleSpec  = pipeline.ModuleSpec
	HandlerSpec = pipeline.HandlerSpec
	RecordSpec  = pipeline.RecordSpec
	RecordRef   = pipeline.RecordRef
	TokenRef    = pipeline.TokenRef
	UserSpec    = pipeline.UserSpec
	ParamRef    = pipeline.ParamRef
)

// Conn is the control surface over a group of workers.
type Conn = pipeline.Conn

// LocalConn connects workers living in the same process.
type LocalConn = pipeline.LocalConn

// NewLocalConn builds a connection over in-process workers.
func NewLocalConn(workers ...*Worker) *LocalConn {
	return pipeline.NewLocalConn(workers...)
}

// Worker owns the modules, partitions, and records on one node.
type Worker = pipeline.Worker

// NewWorker creates a named worker.
func NewWorker(name string) *Worker {
	return pipeline.NewWorker(name)
}

// CheckpointMode controls which micro-batches run under activation
// checkpointing.
type CheckpointMode = pipeline.CheckpointMode

// Checkpoint modes.
const (
	CheckpointAlways     CheckpointMode = pipeline.CheckpointAlways
	CheckpointExceptLast CheckpointMode = pipeline.CheckpointExceptLast
	CheckpointNever      CheckpointMode = pipeline.CheckpointNever
)

// Config holds pipeline execution settings.
type Config = pipeline.Config

// Pipeline drives a partitioned model across its workers.
type Pipeline = pipeline.Pipeline

// New partitions the graph, instantiates each partition on its worker,
// and returns the assembled pipeline.
func New(ctx context.Context, graph *Graph, conn Conn, cfg Config) (*Pipeline, error) {
	return pipeline.New(ctx, graph, conn, cfg)
}

// Placement pairs a worker with a device for sequence pipelines.
type Placement = pipeline.Placement

// NewSequencePipeline builds a pipeline from a plain chain of layers,
// assigning balance[i] consecutive layers to placements[i].
func NewSequencePipeline(ctx context.Context, layers []*ModuleRef, balance []int, placements []Placement, conn Conn, cfg Config) (*Pipeline, error) {
	return pipeline.NewSequencePipeline(ctx, layers, balance, placements, conn, cfg)
}

// LossFunc computes a loss on a backend so it joins the backend's tape.
type LossFunc = pipeline.LossFunc

// MSELoss computes the mean squared error between output and target.
func MSELoss(b Backend, output, target *tensor.RawTensor) *tensor.RawTensor {
	return pipeline.MSELoss(b, output, target)
}

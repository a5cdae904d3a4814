// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package rpc provides the gRPC transport for multi-process pipelines.
//
// Each process runs its own workers and serves them with a Server; a
// Group routes pipeline control calls to in-process workers directly
// and to remote workers through gRPC clients.
//
// Example:
//
//	worker := pipeline.NewWorker("w1")
//	gs := grpc.NewServer()
//	rpc.NewServer(worker).Register(gs)
//	go gs.Serve(lis)
//
//	remote, err := rpc.Dial("w2.example:7000")
//	group := rpc.NewGroup()
//	group.AddLocal(worker)
//	group.AddRemote("w2", remote)
package rpc

import (
	"google.golang.org/grpc"

	"github.com/born-ml/pipeline/internal/pipeline"
	"github.com/born-ml/pipeline/internal/rpc"
)

// CodecName is the gRPC content subtype the transport encodes with.
const CodecName = rpc.CodecName

// ServiceName is the full gRPC service name workers register under.
const ServiceName = rpc.ServiceName

// Server exposes one pipeline worker over gRPC.
type Server = rpc.Server

// NewServer wraps a worker for serving.
func NewServer(worker *pipeline.Worker) *Server {
	return rpc.NewServer(worker)
}

// Client talks to one remote worker.
type Client = rpc.Client

// Dial connects to a worker's endpoint with insecure transport
// credentials by default.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	return rpc.Dial(target, opts...)
}

// NewClient wraps an existing gRPC connection.
func NewClient(cc *grpc.ClientConn) *Client {
	return rpc.NewClient(cc)
}

// Group routes pipeline control calls across local and remote workers.
// It implements pipeline.Conn.
type Group = rpc.Group

// NewGroup creates an empty worker group.
func NewGroup() *Group {
	return rpc.NewGroup()
}

package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/pipeline/internal/tensor"
)

// taskQueue serializes compute on one device. All partitions placed on a
// device submit their chunk computations here, so the device's tape sees
// one operation stream and stages never run concurrently on the same
// backend.
type taskQueue struct {
	tasks chan *task
	done  chan struct{}
}

type task struct {
	run    func() ([]*tensor.RawTensor, error)
	result chan taskResult
}

type taskResult struct {
	outputs []*tensor.RawTensor
	err     error
}

func newTaskQueue(device tensor.Device) *taskQueue {
	q := &taskQueue{
		tasks: make(chan *task),
		done:  make(chan struct{}),
	}
	go q.loop(device)
	return q
}

func (q *taskQueue) loop(device tensor.Device) {
	for {
		select {
		case t := <-q.tasks:
			t.result <- runTask(t)
		case <-q.done:
			return
		}
	}
}

// runTask executes one task, converting panics from shape errors and the
// like into compute errors.
func runTask(t *task) (res taskResult) {
	defer func() {
		if p := recover(); p != nil {
			klog.Errorf("task panicked: %v", p)
			res = taskResult{err: errors.Wrapf(ErrCompute, "panic during compute: %v", p)}
		}
	}()
	outputs, err := t.run()
	return taskResult{outputs: outputs, err: err}
}

// Submit runs fn on the queue's device goroutine and waits for the
// result.
func (q *taskQueue) Submit(ctx context.Context, fn func() ([]*tensor.RawTensor, error)) ([]*tensor.RawTensor, error) {
	t := &task{run: fn, result: make(chan taskResult, 1)}

	select {
	case q.tasks <- t:
	case <-ctx.Done():
		return nil, errors.Wrap(ErrCompute, ctx.Err().Error())
	case <-q.done:
		return nil, errors.Wrap(ErrInternal, "task queue closed")
	}

	select {
	case res := <-t.result:
		return res.outputs, res.err
	case <-ctx.Done():
		return nil, errors.Wrap(ErrCompute, ctx.Err().Error())
	}
}

// Close stops the queue goroutine. Pending submissions fail.
func (q *taskQueue) Close() {
	close(q.done)
}

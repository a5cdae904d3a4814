package pipeline

import "github.com/pkg/errors"

// Error categories for pipeline failures. Callers test them with
// errors.Is; the wrapped chain carries the detail.
var (
	// ErrConfig reports invalid pipeline configuration, such as a
	// non-positive chunk count or an unknown checkpoint mode.
	ErrConfig = errors.New("pipeline: invalid configuration")

	// ErrGraph reports a structurally invalid module graph.
	ErrGraph = errors.New("pipeline: invalid graph")

	// ErrPlacement reports an illegal device or worker placement,
	// including attempts to move a managed pipeline between devices.
	ErrPlacement = errors.New("pipeline: invalid placement")

	// ErrCompute reports a failure while executing a partition.
	ErrCompute = errors.New("pipeline: compute failed")

	// ErrInternal reports a broken internal invariant.
	ErrInternal = errors.New("pipeline: internal error")
)

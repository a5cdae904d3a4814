package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/born-ml/pipeline/internal/tensor"
)

// Xavier creates a float32 tensor initialized with Xavier/Glorot uniform
// values in [-limit, limit] where limit = sqrt(6 / (fanIn + fanOut)).
func Xavier(shape tensor.Shape, fanIn, fanOut int, backend tensor.Backend) *tensor.RawTensor {
	raw, err := tensor.NewRaw(shape, tensor.Float32, backend.Device())
	if err != nil {
		panic(fmt.Sprintf("xavier: failed to create tensor: %v", err))
	}

	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	data := raw.AsFloat32()
	for i := range data {
		data[i] = (rand.Float32()*2 - 1) * limit
	}
	return raw
}

func zeros(shape tensor.Shape, backend tensor.Backend) *tensor.RawTensor {
	raw, err := tensor.NewRaw(shape, tensor.Float32, backend.Device())
	if err != nil {
		panic(fmt.Sprintf("zeros: failed to create tensor: %v", err))
	}
	return raw
}

package pipeline

// Partition is a maximal run of graph modules executed as one unit on a
// single worker and device.
type Partition struct {
	// Modules holds graph indices in execution order.
	Modules []int
}

// splitModules greedily groups graph modules into partitions.
//
// Starting from each not-yet-assigned module, the run is extended while
// the current module has exactly one consumer and a single undeclared
// output, the next module's only input is the current module's first
// output, and both live on the same worker and device.
//
// Requires g.computeConsumers() to have run.
func splitModules(g *Graph) []Partition {
	used := make([]bool, len(g.modules))
	var partitions []Partition

	for start := range g.modules {
		if used[start] {
			continue
		}

		var run []int
		cur := start
		for {
			used[cur] = true
			run = append(run, cur)

			// A module with several consumers or a declared
			// multi-output forward ends the partition.
			if len(g.outputConsumers[cur]) != 1 {
				break
			}
			if g.modules[cur].NumOutputs != 0 {
				break
			}

			next := g.outputConsumers[cur][0].Node
			if used[next] {
				break
			}
			nextInputs := g.inputs[next]
			if len(nextInputs) != 1 || nextInputs[0] != (Source{Producer: cur, Slot: 0}) {
				break
			}
			if g.modules[next].worker != g.modules[cur].worker {
				break
			}
			if g.modules[next].device != g.modules[cur].device {
				break
			}

			cur = next
		}

		partitions = append(partitions, Partition{Modules: run})
	}

	return partitions
}

// first and last module of the partition.
func (p Partition) first() int { return p.Modules[0] }
func (p Partition) last() int  { return p.Modules[len(p.Modules)-1] }

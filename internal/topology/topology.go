// Package topology models the static router graph and the resource-aware
// path computation.
//
// # Graph
//
// Routers are graph vertices; configured links are edges; each router owns a
// fixed set of leaf nodes. The graph is immutable after construction; only
// the resource annotations read through a UsageFunc change at runtime.
//
// # Path Selection
//
// Paths are found by breadth-first expansion over hop layers. The resource
// term never makes a longer path win; it only tie-breaks among the paths
// sharing the minimum hop count:
//
//	cost(path) = hops * 1.0 + (avgCPU + avgBW over routers in path) / 200.0 * 0.5
package topology

import (
	"fmt"
	"sort"

	"github.com/netfabric/meshguard/pkg/types"
)

// Shape selects the link layout connecting routers.
type Shape string

const (
	ShapeRing Shape = "ring"
	ShapeMesh Shape = "mesh"
	ShapeStar Shape = "star"
	ShapeLine Shape = "line"
)

// ParseShape validates a configured shape name.
func ParseShape(s string) (Shape, error) {
	switch Shape(s) {
	case ShapeRing, ShapeMesh, ShapeStar, ShapeLine:
		return Shape(s), nil
	}
	return "", fmt.Errorf("unknown topology shape: %q", s)
}

// Weighting constants for the path cost function. Simulation-tuning values
// carried from the reference deployment; override via Options if needed.
const (
	DefaultHopWeight       = 1.0
	DefaultResourceWeight  = 0.5
	DefaultResourceDivisor = 200.0
)

// UsageFunc reads a router's current CPU and bandwidth utilization.
type UsageFunc func(router types.Identity) (cpu, bw float64)

// Graph is the static topology: router adjacency plus leaf ownership.
type Graph struct {
	adj    map[types.Identity][]types.Identity
	leaves map[types.Identity][]types.Identity
	home   map[types.Identity]types.Identity

	hopWeight  float64
	resWeight  float64
	resDivisor float64
}

// Options tune the path cost function.
type Options struct {
	HopWeight       float64
	ResourceWeight  float64
	ResourceDivisor float64
}

// RouterName returns the canonical identity of router i.
func RouterName(i int) types.Identity {
	return types.Identity(fmt.Sprintf("router%d", i))
}

// NodeName returns the canonical identity of leaf j under router i.
func NodeName(i, j int) types.Identity {
	return types.Identity(fmt.Sprintf("router%d-node%d", i, j))
}

// New builds a graph of the given shape with routerCount routers and
// nodesPerRouter leaves each.
func New(shape Shape, routerCount, nodesPerRouter int, opts *Options) (*Graph, error) {
	if routerCount < 1 {
		return nil, fmt.Errorf("topology needs at least one router")
	}
	if shape == ShapeStar && routerCount < 2 {
		return nil, fmt.Errorf("star topology needs a hub and at least one spoke")
	}

	g := &Graph{
		adj:        make(map[types.Identity][]types.Identity),
		leaves:     make(map[types.Identity][]types.Identity),
		home:       make(map[types.Identity]types.Identity),
		hopWeight:  DefaultHopWeight,
		resWeight:  DefaultResourceWeight,
		resDivisor: DefaultResourceDivisor,
	}
	if opts != nil {
		if opts.HopWeight > 0 {
			g.hopWeight = opts.HopWeight
		}
		if opts.ResourceWeight > 0 {
			g.resWeight = opts.ResourceWeight
		}
		if opts.ResourceDivisor > 0 {
			g.resDivisor = opts.ResourceDivisor
		}
	}

	for i := 0; i < routerCount; i++ {
		r := RouterName(i)
		g.adj[r] = nil
		for j := 0; j < nodesPerRouter; j++ {
			n := NodeName(i, j)
			g.leaves[r] = append(g.leaves[r], n)
			g.home[n] = r
		}
	}

	link := func(a, b int) {
		ra, rb := RouterName(a), RouterName(b)
		g.adj[ra] = append(g.adj[ra], rb)
		g.adj[rb] = append(g.adj[rb], ra)
	}

	switch shape {
	case ShapeLine:
		for i := 0; i < routerCount-1; i++ {
			link(i, i+1)
		}
	case ShapeRing:
		for i := 0; i < routerCount-1; i++ {
			link(i, i+1)
		}
		if routerCount > 2 {
			link(routerCount-1, 0)
		}
	case ShapeStar:
		// Router 0 is the hub.
		for i := 1; i < routerCount; i++ {
			link(0, i)
		}
	case ShapeMesh:
		for i := 0; i < routerCount; i++ {
			for j := i + 1; j < routerCount; j++ {
				link(i, j)
			}
		}
	default:
		return nil, fmt.Errorf("unknown topology shape: %q", shape)
	}

	// Deterministic neighbor order for reproducible path selection.
	for r := range g.adj {
		sort.Slice(g.adj[r], func(a, b int) bool { return g.adj[r][a] < g.adj[r][b] })
	}

	return g, nil
}

// Routers returns all router identities in stable order.
func (g *Graph) Routers() []types.Identity {
	out := make([]types.Identity, 0, len(g.adj))
	for r := range g.adj {
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Neighbors returns the routers linked to r.
func (g *Graph) Neighbors(r types.Identity) []types.Identity { return g.adj[r] }

// Leaves returns the nodes attached to router r.
func (g *Graph) Leaves(r types.Identity) []types.Identity { return g.leaves[r] }

// AllLeaves returns every node in the network in stable order.
func (g *Graph) AllLeaves() []types.Identity {
	out := make([]types.Identity, 0, len(g.home))
	for n := range g.home {
		out = append(out, n)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Home returns the router owning leaf node n, or empty if n is unknown.
func (g *Graph) Home(n types.Identity) types.Identity { return g.home[n] }

// IsRouter reports whether id is a router vertex.
func (g *Graph) IsRouter(id types.Identity) bool {
	_, ok := g.adj[id]
	return ok
}

// Path is a selected route between two routers.
type Path struct {
	Hops []types.Identity // routers, source first, destination last
	Cost float64
}

// NextHop returns the first forwarding step, or empty for a zero-hop path.
func (p Path) NextHop() types.Identity {
	if len(p.Hops) < 2 {
		return ""
	}
	return p.Hops[1]
}

// BestPath finds the minimum-hop path from src to dst, tie-breaking among
// equal-hop candidates by the accumulated resource term. usage may be nil,
// in which case selection degenerates to plain BFS order.
func (g *Graph) BestPath(src, dst types.Identity, usage UsageFunc) (Path, error) {
	if !g.IsRouter(src) {
		return Path{}, fmt.Errorf("unknown source router: %s", src)
	}
	if !g.IsRouter(dst) {
		return Path{}, fmt.Errorf("unknown destination router: %s", dst)
	}

	load := func(r types.Identity) float64 {
		if usage == nil {
			return 0
		}
		cpu, bw := usage(r)
		return cpu + bw
	}

	if src == dst {
		return Path{Hops: []types.Identity{src}, Cost: g.cost(0, load(src), 1)}, nil
	}

	// Layered BFS. Because every edge costs one hop, a vertex's hop distance
	// is final when its layer is first reached; the minimal resource sum for
	// a vertex in layer k depends only on finalized vertices in layer k-1,
	// so each layer is settled before the next expands.
	hops := map[types.Identity]int{src: 0}
	resSum := map[types.Identity]float64{src: load(src)}
	parent := map[types.Identity]types.Identity{}

	layer := []types.Identity{src}
	for depth := 0; len(layer) > 0; depth++ {
		var next []types.Identity
		for _, cur := range layer {
			for _, nb := range g.adj[cur] {
				cand := resSum[cur] + load(nb)
				if seen, ok := hops[nb]; ok {
					// Same-layer rediscovery: keep the cheaper predecessor.
					if seen == depth+1 && cand < resSum[nb] {
						resSum[nb] = cand
						parent[nb] = cur
					}
					continue
				}
				hops[nb] = depth + 1
				resSum[nb] = cand
				parent[nb] = cur
				next = append(next, nb)
			}
		}
		if _, found := hops[dst]; found {
			break
		}
		layer = next
	}

	if _, found := hops[dst]; !found {
		return Path{}, fmt.Errorf("no path from %s to %s", src, dst)
	}

	// Reconstruct.
	var rev []types.Identity
	for at := dst; ; at = parent[at] {
		rev = append(rev, at)
		if at == src {
			break
		}
	}
	path := make([]types.Identity, len(rev))
	for i, r := range rev {
		path[len(rev)-1-i] = r
	}

	return Path{
		Hops: path,
		Cost: g.cost(hops[dst], resSum[dst], len(path)),
	}, nil
}

// cost applies the weighting: hops plus the normalized average utilization
// over the routers on the path.
func (g *Graph) cost(hopCount int, resourceSum float64, pathLen int) float64 {
	avg := 0.0
	if pathLen > 0 {
		avg = resourceSum / float64(pathLen)
	}
	return float64(hopCount)*g.hopWeight + avg/g.resDivisor*g.resWeight
}

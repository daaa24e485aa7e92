package netsim

import (
	"math"
	"sort"

	"github.com/signalsfoundry/disposition-checker/model"
)

const unreachable = math.MaxInt

// routeTable holds, for every (from, to) pair, the least total cost and the
// connector carrying the first hop.
type routeTable struct {
	cost    [model.NumNodes][model.NumNodes]int
	nextHop [model.NumNodes][model.NumNodes]string
}

// computeRoutes runs Dijkstra from every router over the given connectors.
// Parallel connectors between the same pair are allowed; ties are broken by
// connector name so the table is deterministic.
func computeRoutes(conns []model.Connector) *routeTable {
	sorted := append([]model.Connector(nil), conns...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	adj := make(map[model.NodeID][]model.Connector, model.NumNodes)
	for _, c := range sorted {
		adj[c.Owner] = append(adj[c.Owner], c)
		adj[c.Peer] = append(adj[c.Peer], c)
	}

	rt := &routeTable{}
	for _, src := range model.AllNodes() {
		dist, first := dijkstra(src, adj)
		rt.cost[src] = dist
		rt.nextHop[src] = first
	}
	return rt
}

func dijkstra(src model.NodeID, adj map[model.NodeID][]model.Connector) ([model.NumNodes]int, [model.NumNodes]string) {
	var (
		dist  [model.NumNodes]int
		first [model.NumNodes]string
		done  [model.NumNodes]bool
	)
	for i := range dist {
		dist[i] = unreachable
	}
	dist[src] = 0

	for {
		cur := model.NodeID(-1)
		for _, n := range model.AllNodes() {
			if !done[n] && dist[n] != unreachable && (cur < 0 || dist[n] < dist[cur]) {
				cur = n
			}
		}
		if cur < 0 {
			break
		}
		done[cur] = true

		for _, c := range adj[cur] {
			peer := c.Peer
			if peer == cur {
				peer = c.Owner
			}
			if done[peer] {
				continue
			}
			alt := dist[cur] + c.Cost
			if alt < dist[peer] {
				dist[peer] = alt
				if cur == src {
					first[peer] = c.Name
				} else {
					first[peer] = first[cur]
				}
			}
		}
	}
	return dist, first
}

// Reachable reports whether to can be reached from from.
func (rt *routeTable) Reachable(from, to model.NodeID) bool {
	return rt.cost[from][to] != unreachable
}

// path reconstructs the router sequence from -> to by following first hops.
func (rt *routeTable) path(from, to model.NodeID, conns map[string]model.Connector) []model.NodeID {
	if !rt.Reachable(from, to) {
		return nil
	}
	path := []model.NodeID{from}
	cur := from
	for cur != to && len(path) <= int(model.NumNodes) {
		c, ok := conns[rt.nextHop[cur][to]]
		if !ok {
			return nil
		}
		if c.Owner == cur {
			cur = c.Peer
		} else {
			cur = c.Owner
		}
		path = append(path, cur)
	}
	if cur != to {
		return nil
	}
	return path
}

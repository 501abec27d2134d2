package knn

import (
	"math/rand"
	"sort"

	"github.com/23skdu/distknn/internal/placement"
)

// hostPlan is the work assigned to one elected coordinator.
type hostPlan struct {
	host        string
	coordinator string
	location    placement.WorkerLocation
	rank        int
	// excluded shards live on other workers of the host and are reached
	// through handles; included shards already sit on the coordinator.
	excluded []placement.ShardPlacement
	included []placement.ShardPlacement
	rows     int64
	offset   int64
}

// elect picks one coordinator per host among the workers holding shards and
// assigns ranks. With rng nil the lowest worker of each host wins and hosts
// are ranked by name; otherwise the choice is random and hosts keep
// first-seen order.
func elect(shards []placement.ShardPlacement, rng *rand.Rand) ([]*hostPlan, error) {
	workers := make([]string, len(shards))
	for i, s := range shards {
		workers[i] = s.Worker
	}
	groups, err := placement.GroupByHost(workers)
	if err != nil {
		return nil, err
	}
	if rng == nil {
		sort.Slice(groups, func(i, j int) bool { return groups[i].Host < groups[j].Host })
	}

	plans := make([]*hostPlan, len(groups))
	byHost := make(map[string]*hostPlan, len(groups))
	for i, g := range groups {
		var pick int
		if rng != nil {
			pick = rng.Intn(len(g.Workers))
		} else {
			pick = lowestWorker(g)
		}
		p := &hostPlan{
			host:        g.Host,
			coordinator: g.Workers[pick],
			location:    placement.WorkerLocation{Host: g.Host, Port: g.Ports[pick]},
			rank:        i,
		}
		plans[i] = p
		byHost[g.Host] = p
	}

	for _, s := range shards {
		p := byHost[s.Location.Host]
		if s.Worker == p.coordinator {
			p.included = append(p.included, s)
		} else {
			p.excluded = append(p.excluded, s)
		}
		p.rows += s.Rows
	}

	var offset int64
	for _, p := range plans {
		p.offset = offset
		offset += p.rows
	}
	return plans, nil
}

// lowestWorker orders by port, then by identifier.
func lowestWorker(g placement.HostGroup) int {
	best := 0
	for i := 1; i < len(g.Workers); i++ {
		if g.Ports[i] < g.Ports[best] || (g.Ports[i] == g.Ports[best] && g.Workers[i] < g.Workers[best]) {
			best = i
		}
	}
	return best
}

// Package placement maps scheduler worker identifiers to hosts and discovers
// which worker and device holds every shard of a distributed table.
package placement

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	apperrors "github.com/23skdu/distknn/internal/errors"
)

// WorkerLocation is the network location of a worker process.
type WorkerLocation struct {
	Host string
	Port int
}

func (l WorkerLocation) String() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// ParseWorker extracts host and port from identifiers such as
// "tcp://10.0.0.1:8786", "10.0.0.1:8786" or "ucx://[fe80::1]:8786".
func ParseWorker(id string) (WorkerLocation, error) {
	addr := id
	if i := strings.Index(addr, "://"); i >= 0 {
		if i == 0 {
			return WorkerLocation{}, apperrors.NewPlacementError("ParseWorker",
				fmt.Sprintf("worker identifier %q has an empty scheme", id))
		}
		addr = addr[i+3:]
	}
	addr = strings.TrimSuffix(addr, "/")

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return WorkerLocation{}, apperrors.WrapPlacementError(err, "ParseWorker",
			fmt.Sprintf("malformed worker identifier %q", id))
	}
	if host == "" {
		return WorkerLocation{}, apperrors.NewPlacementError("ParseWorker",
			fmt.Sprintf("worker identifier %q has no host", id))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return WorkerLocation{}, apperrors.NewPlacementError("ParseWorker",
			fmt.Sprintf("worker identifier %q has invalid port %q", id, portStr))
	}
	return WorkerLocation{Host: host, Port: port}, nil
}

// HostGroup lists the workers seen on one host, in first-seen order.
type HostGroup struct {
	Host    string
	Workers []string
	Ports   []int
}

// GroupByHost buckets worker identifiers by host. Hosts keep first-seen order
// and duplicate identifiers are dropped.
func GroupByHost(ids []string) ([]HostGroup, error) {
	var groups []HostGroup
	index := make(map[string]int)
	seen := make(map[string]struct{}, len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		loc, err := ParseWorker(id)
		if err != nil {
			return nil, err
		}
		i, ok := index[loc.Host]
		if !ok {
			i = len(groups)
			index[loc.Host] = i
			groups = append(groups, HostGroup{Host: loc.Host})
		}
		groups[i].Workers = append(groups[i].Workers, id)
		groups[i].Ports = append(groups[i].Ports, loc.Port)
	}
	return groups, nil
}

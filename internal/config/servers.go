package config

import (
	"sort"

	"github.com/javi11/nzbcore/internal/model"
)

// ToNewsServers converts the configured server list into model.NewsServer
// entries, computing each active server's NormLevel: a densely numbered
// index among the distinct Level values of currently active servers, so
// gaps in user-assigned levels (e.g. 0, 5, 10) don't leave unreachable
// failover tiers in internal/serverpool.
func ToNewsServers(servers []ServerConfig) []*model.NewsServer {
	levels := make([]int, 0, len(servers))
	seen := make(map[int]bool)
	for _, s := range servers {
		if !s.IsEnabled() {
			continue
		}
		if !seen[s.Level] {
			seen[s.Level] = true
			levels = append(levels, s.Level)
		}
	}
	sort.Ints(levels)
	normOf := make(map[int]int, len(levels))
	for i, lvl := range levels {
		normOf[lvl] = i
	}

	out := make([]*model.NewsServer, 0, len(servers))
	for i, s := range servers {
		out = append(out, &model.NewsServer{
			ID:             int64(i + 1),
			Name:           s.Name,
			Host:           s.Host,
			Port:           s.Port,
			User:           s.Username,
			Password:       s.Password,
			TLS:            s.TLS,
			JoinGroup:      s.JoinGroup,
			MaxConnections: s.MaxConnections,
			Level:          s.Level,
			NormLevel:      normOf[s.Level],
			GroupID:        s.GroupID,
			Optional:       s.Optional,
			Retention:      s.RetentionDays,
			Active:         s.IsEnabled(),
		})
	}
	return out
}

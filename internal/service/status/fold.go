package status

import "github.com/splax/localvercel/internal/domain"

// containerStatus maps one container's docker state and health onto the
// canonical vocabulary.
func containerStatus(c domain.ContainerState) domain.ResourceStatus {
	switch c.State {
	case "restarting":
		return domain.StatusRestarting
	case "running":
		switch c.Health {
		case domain.HealthUnhealthy:
			return domain.StatusUnhealthy
		case domain.HealthStarting:
			return domain.StatusStarting
		}
		return domain.StatusRunning
	case "created":
		return domain.StatusStarting
	default:
		// exited, dead, paused, removing and anything unknown.
		return domain.StatusExited
	}
}

// Fold reduces container states to one aggregate status. The result depends
// only on the multiset of states, never on their order:
//
//	any restarting                 -> restarting
//	any unhealthy                  -> unhealthy
//	exited mixed with live ones    -> degraded
//	only exited (or no containers) -> exited
//	any starting                   -> starting
//	otherwise                      -> running
func Fold(containers []domain.ContainerState) domain.ResourceStatus {
	counts := make(map[domain.ResourceStatus]int, 5)
	for _, c := range containers {
		counts[containerStatus(c)]++
	}
	live := counts[domain.StatusRunning] + counts[domain.StatusStarting]
	switch {
	case counts[domain.StatusRestarting] > 0:
		return domain.StatusRestarting
	case counts[domain.StatusUnhealthy] > 0:
		return domain.StatusUnhealthy
	case counts[domain.StatusExited] > 0 && live > 0:
		return domain.StatusDegraded
	case live == 0:
		return domain.StatusExited
	case counts[domain.StatusStarting] > 0:
		return domain.StatusStarting
	}
	return domain.StatusRunning
}

// Aggregate computes the status of a target's containers on one server.
// When every container belongs to an excluded service the status is computed
// from them anyway and tagged ":excluded".
func Aggregate(containers []domain.ContainerState, excluded []string) domain.ResourceStatus {
	if len(containers) == 0 {
		return domain.StatusExited
	}
	skip := make(map[string]struct{}, len(excluded))
	for _, name := range excluded {
		skip[name] = struct{}{}
	}
	relevant := make([]domain.ContainerState, 0, len(containers))
	for _, c := range containers {
		if _, ok := skip[c.ServiceName()]; ok {
			continue
		}
		relevant = append(relevant, c)
	}
	if len(relevant) == 0 {
		return Fold(containers).WithExcluded()
	}
	return Fold(relevant)
}

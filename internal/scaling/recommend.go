package scaling

import (
	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// Policy bounds the fleet size and the scale-down trigger.
type Policy struct {
	MinWorkers         int
	MaxWorkers         int
	ScaleDownThreshold float64
}

// Inputs is one observation of the system fed to the recommendation.
type Inputs struct {
	QueueDepth      int64
	ActiveWorkers   int
	HealthyWorkers  int
	ProcessingJobs  int
	WorkersWithJobs int
	InCooldown      bool
}

// Recommend derives a scaling action and target fleet size. Stability wins
// ties: whenever the computed target equals the active count the answer is
// maintain, and the target never drops below the number of workers that
// still own jobs.
func Recommend(in Inputs, p Policy) (domain.ScalingAction, int) {
	if in.InCooldown {
		return domain.Maintain, clamp(in.ActiveWorkers, p.MinWorkers, p.MaxWorkers)
	}

	workload := int(in.QueueDepth) + in.ProcessingJobs
	var target int
	if workload == 0 {
		target = clamp(min(in.ActiveWorkers, 2), p.MinWorkers, p.MaxWorkers)
	} else {
		target = clamp(max(workload, workload/2+1), p.MinWorkers, p.MaxWorkers)
	}
	if target < in.WorkersWithJobs {
		target = in.WorkersWithJobs
	}

	idle := in.ActiveWorkers - in.WorkersWithJobs

	switch {
	case target > in.ActiveWorkers:
		if float64(in.HealthyWorkers) >= 0.8*float64(in.ActiveWorkers) {
			return domain.ScaleUp, target
		}
	case target < in.ActiveWorkers:
		if idle > 0 && float64(in.QueueDepth) < p.ScaleDownThreshold*float64(in.ActiveWorkers) {
			target = clamp(max(target, in.WorkersWithJobs+1), p.MinWorkers, p.MaxWorkers)
			if target < in.ActiveWorkers {
				return domain.ScaleDown, target
			}
		}
	}
	return domain.Maintain, in.ActiveWorkers
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

package management

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// ConfigEcho mirrors the subset of Config relevant to pool sizing, echoed
// back to management clients for diagnosis without exposing secrets.
type ConfigEcho struct {
	Network               string  `json:"network"`
	ContractCapacityRatio float64 `json:"contractCapacityRatio"`
	LimitedContractCount  int     `json:"limitedContractCount"`
}

// HostStats carries best-effort process/host resource usage, gathered with
// the same library this stack always reaches for when a component needs
// more than "is the process alive".
type HostStats struct {
	MemoryUsed      string  `json:"memoryUsed,omitempty"`
	MemoryTotal     string  `json:"memoryTotal,omitempty"`
	MemoryUsedBytes uint64  `json:"memoryUsedBytes,omitempty"`
	CPUPercent      float64 `json:"cpuPercent,omitempty"`
}

// Stats is the response shape for the "stats" management action.
type Stats struct {
	PoolSize            int        `json:"poolSize"`
	LockedCount         *int       `json:"lockedCount,omitempty"`
	AvailableCount      *int       `json:"availableCount,omitempty"`
	InclusionFeeDefault int64      `json:"inclusionFeeDefault"`
	InclusionFeeLimited int64      `json:"inclusionFeeLimited"`
	Config              ConfigEcho `json:"config"`
	Host                HostStats  `json:"host"`
}

func buildStats(ctx context.Context, deps Deps) (any, error) {
	members, err := deps.Pool.ListMembers(ctx)
	if err != nil {
		return nil, kvError(err)
	}

	stats := Stats{
		PoolSize:            len(members),
		InclusionFeeDefault: deps.Config.InclusionFeeDefault,
		InclusionFeeLimited: deps.Config.InclusionFeeLimited,
		Config: ConfigEcho{
			Network:               string(deps.Config.Network),
			ContractCapacityRatio: deps.Config.ContractCapacityRatio,
			LimitedContractCount:  len(deps.Config.LimitedContracts),
		},
		Host: gatherHostStats(),
	}

	locked := 0
	probeFailed := false
	for _, id := range members {
		isLocked, err := deps.Pool.IsLocked(ctx, id)
		if err != nil {
			probeFailed = true
			break
		}
		if isLocked {
			locked++
		}
	}
	if !probeFailed {
		lockedCount := locked
		availableCount := len(members) - locked
		stats.LockedCount = &lockedCount
		stats.AvailableCount = &availableCount
	}

	return stats, nil
}

// gatherHostStats is best-effort: a probe failure leaves the corresponding
// field at its zero value rather than failing the whole stats call.
func gatherHostStats() HostStats {
	var out HostStats
	if vm, err := mem.VirtualMemory(); err == nil {
		out.MemoryUsedBytes = vm.Used
		out.MemoryUsed = humanize.Bytes(vm.Used)
		out.MemoryTotal = humanize.Bytes(vm.Total)
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out.CPUPercent = percents[0]
	}
	return out
}

// Package monitor samples this Runner's CPU, memory, and GPU utilization
// for its periodic heartbeat (§4.2, §8.2). CPU/memory come from
// github.com/shirou/gopsutil/v3 (grounded on
// other_examples/5a163fbc_c6ai-hlf-easy__node-peer.go.go, the only pack
// example to report host resource usage back to a controller); GPU
// inventory and utilization are read by shelling out to `nvidia-smi`, the
// same os/exec subprocess idiom internal/runner/vm and internal/runner/vfio
// already use for qemu-img and the persistence daemon.
package monitor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// Sampler reads the local host's resource usage on demand.
type Sampler struct {
	logger          *zap.Logger
	nvidiaSMIBinary string
	sampleTimeout   time.Duration
}

// New constructs a Sampler. nvidiaSMIBinary is typically "nvidia-smi"; GPU
// sampling is skipped (not an error) if the binary isn't on PATH.
func New(logger *zap.Logger, nvidiaSMIBinary string) *Sampler {
	if nvidiaSMIBinary == "" {
		nvidiaSMIBinary = "nvidia-smi"
	}
	return &Sampler{logger: logger, nvidiaSMIBinary: nvidiaSMIBinary, sampleTimeout: 5 * time.Second}
}

// Sample returns the host-wide figures a HeartbeatReport needs.
func (s *Sampler) Sample(ctx context.Context) (cpuPercent, memPercent, tempCelsius float64, gpus []models.GPUInfo) {
	cpuPercent = s.cpuPercent(ctx)
	memPercent = s.memPercent()
	gpus, tempCelsius = s.gpuInfo(ctx)
	return
}

func (s *Sampler) cpuPercent(ctx context.Context) float64 {
	pcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil || len(pcts) == 0 {
		s.logger.Warn("cpu sample failed", zap.Error(err))
		return 0
	}
	return pcts[0]
}

func (s *Sampler) memPercent() float64 {
	v, err := mem.VirtualMemory()
	if err != nil {
		s.logger.Warn("memory sample failed", zap.Error(err))
		return 0
	}
	return v.UsedPercent
}

var cpulistRangePattern = regexp.MustCompile(`^(\d+)(?:-(\d+))?$`)

// sysDevicesNode is a var (not a const) so tests can repoint it at a fake
// sysfs tree, same pattern internal/runner/vfio uses for sysBusPCI.
var sysDevicesNode = "/sys/devices/system/node"

// HostTopology reports the figures a registration request's static fields
// need: logical core count, total memory, and the node-id -> cpu-ids map
// read from /sys/devices/system/node (§4.6's NUMA-aware scheduling needs
// this at register time, not just at task-pin time). Single-node hosts
// with no such tree (containers, most VMs) report node 0 owning every core.
func (s *Sampler) HostTopology() (totalCores int, totalMemory int64, numa map[int][]int) {
	totalCores = runtime.NumCPU()
	if v, err := mem.VirtualMemory(); err == nil {
		totalMemory = int64(v.Total)
	}
	numa = s.numaTopology(totalCores)
	return
}

func (s *Sampler) numaTopology(totalCores int) map[int][]int {
	nodeDir := sysDevicesNode
	entries, err := os.ReadDir(nodeDir)
	if err != nil {
		return map[int][]int{0: sequentialCores(totalCores)}
	}

	topology := make(map[int][]int)
	for _, e := range entries {
		m := cpulistRangePattern.FindStringSubmatch(strings.TrimPrefix(e.Name(), "node"))
		if !strings.HasPrefix(e.Name(), "node") || m == nil {
			continue
		}
		nodeID, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		cores, err := readCPUList(filepath.Join(nodeDir, e.Name(), "cpulist"))
		if err != nil {
			continue
		}
		topology[nodeID] = cores
	}
	if len(topology) == 0 {
		return map[int][]int{0: sequentialCores(totalCores)}
	}
	return topology
}

func readCPUList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cores []int
	for _, part := range strings.Split(strings.TrimSpace(string(data)), ",") {
		m := cpulistRangePattern.FindStringSubmatch(part)
		if m == nil {
			continue
		}
		lo, _ := strconv.Atoi(m[1])
		hi := lo
		if m[2] != "" {
			hi, _ = strconv.Atoi(m[2])
		}
		for c := lo; c <= hi; c++ {
			cores = append(cores, c)
		}
	}
	return cores, nil
}

func sequentialCores(n int) []int {
	cores := make([]int, n)
	for i := range cores {
		cores[i] = i
	}
	return cores
}

// gpuInfo parses `nvidia-smi --query-gpu=... --format=csv,noheader,nounits`
// into per-GPU models and an overall temperature (the hottest GPU's reading,
// since §8.2's heartbeat carries one scalar temp for the whole node).
func (s *Sampler) gpuInfo(ctx context.Context) ([]models.GPUInfo, float64) {
	ctx, cancel := context.WithTimeout(ctx, s.sampleTimeout)
	defer cancel()

	query := "index,name,memory.total,utilization.gpu,temperature.gpu"
	cmd := exec.CommandContext(ctx, s.nvidiaSMIBinary, "--query-gpu="+query, "--format=csv,noheader,nounits")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		// No GPU or no driver installed; this is the common case on CPU-only runners.
		return nil, 0
	}

	var gpus []models.GPUInfo
	var maxTemp float64
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 5 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		idx, _ := strconv.Atoi(fields[0])
		memMB, _ := strconv.Atoi(fields[2])
		util, _ := strconv.ParseFloat(fields[3], 64)
		temp, _ := strconv.ParseFloat(fields[4], 64)
		gpus = append(gpus, models.GPUInfo{
			Index:       idx,
			Model:       fields[1],
			MemoryMB:    memMB,
			Utilization: util,
		})
		if temp > maxTemp {
			maxTemp = temp
		}
	}
	return gpus, maxTemp
}

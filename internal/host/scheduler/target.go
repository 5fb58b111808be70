package scheduler

import (
	"strconv"
	"strings"
)

// Target is the parsed form of a submission's target specification,
// `hostname[:numa][::gpus]` (§4.1 Submission contract), e.g.:
//
//	"node1"        -> {Hostname: "node1"}
//	"node1:2"      -> {Hostname: "node1", NUMANode: &2}
//	"node1::0,1"   -> {Hostname: "node1", GPUs: [0,1]}
//	"node1:2::0,1" -> {Hostname: "node1", NUMANode: &2, GPUs: [0,1]}
//	""             -> {} (auto-schedule)
type Target struct {
	Hostname string
	NUMANode *int
	GPUs     []int
}

// ParseTarget parses the target specification string. An empty string is a
// valid target meaning "let the scheduler pick" and returns a zero Target.
func ParseTarget(spec string) (Target, error) {
	if spec == "" {
		return Target{}, nil
	}

	var hostAndNUMA, gpuPart string
	if idx := strings.Index(spec, "::"); idx >= 0 {
		hostAndNUMA = spec[:idx]
		gpuPart = spec[idx+2:]
	} else {
		hostAndNUMA = spec
	}

	var t Target
	if idx := strings.Index(hostAndNUMA, ":"); idx >= 0 {
		t.Hostname = hostAndNUMA[:idx]
		numaStr := hostAndNUMA[idx+1:]
		n, err := strconv.Atoi(numaStr)
		if err != nil {
			return Target{}, BadTarget(spec)
		}
		t.NUMANode = &n
	} else {
		t.Hostname = hostAndNUMA
	}

	if t.Hostname == "" {
		return Target{}, BadTarget(spec)
	}

	if gpuPart != "" {
		for _, s := range strings.Split(gpuPart, ",") {
			g, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return Target{}, BadTarget(spec)
			}
			t.GPUs = append(t.GPUs, g)
		}
	}

	return t, nil
}

// HasGPURequest reports whether the target names any GPUs.
func (t Target) HasGPURequest() bool { return len(t.GPUs) > 0 }

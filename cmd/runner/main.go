// Command runner runs a KohakuRiver Runner agent (§4): registers with the
// Host, executes COMMAND tasks and VPS containers/VMs dispatched to it,
// serves the Runner-local HTTP+WebSocket gateway, and reports status back to
// the Host on a heartbeat loop. Grounded on node-agent/cmd/main.go's
// build-config-then-run shape, simpler than the Host's because the Runner
// has no durable store of its own to migrate.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/config"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/executor"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/gateway"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/hostclient"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/monitor"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/overlay"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/store"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/tunnel"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/vfio"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/vm"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/vps"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runnerStore, err := store.Open(cfg.BoltPath)
	if err != nil {
		logger.Fatal("failed to open local store", zap.Error(err))
	}
	defer runnerStore.Close()

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Fatal("failed to construct docker client", zap.Error(err))
	}

	reporter := hostclient.New(cfg.HostAddr)
	sampler := monitor.New(logger, cfg.NvidiaSMIBinary)
	vfioBinder := vfio.New(logger, vfio.Config{BindTimeout: cfg.VFIOBindTimeout})

	vfioCapable, err := vfioBinder.DiscoverGPUs(ctx)
	if err != nil {
		logger.Warn("vfio gpu discovery failed", zap.Error(err))
	}
	gpuPCIAddresses := make(map[int]string, len(vfioCapable))
	for i, d := range vfioCapable {
		gpuPCIAddresses[i] = d.PCIAddress
	}

	paths := executor.Paths{
		SharedDir:        cfg.SharedDir,
		LogDir:           filepath.Join(cfg.LocalTempDir, "logs"),
		ScratchDir:       cfg.LocalTempDir,
		TunnelClientPath: cfg.TunnelClientPath,
	}

	taskExecutor := executor.New(logger, docker, paths, runnerStore, reporter)

	vpsMgr := vps.New(logger, docker, paths, vps.Config{
		AutoSnapshot:   cfg.VPSAutoSnapshot,
		AutoRestore:    cfg.VPSAutoRestore,
		SnapshotRetain: cfg.VPSSnapshotRetain,
		OverlayNetwork: cfg.OverlayBridgeName,
	}, runnerStore, reporter)

	overlayMgr := overlay.New(logger, outboundIP(logger), cfg.OverlayBridgeName, cfg.OverlayVXLANIface)

	vmCfg := vm.Config{
		BaseImageDir:          cfg.VMImagesDir,
		DiskDir:               cfg.VMInstancesDir,
		RunDir:                filepath.Join(cfg.VMInstancesDir, "run"),
		ShutdownTimeout:       cfg.QMPShutdownTimeout,
		RebootWatchdogTimeout: cfg.RebootWatchdogTimeout,
		CloudInitTimeoutNoGPU: cfg.CloudInitTimeoutNoGPU,
		CloudInitTimeoutGPU:   cfg.CloudInitTimeoutGPU,
		GPUPCIAddresses:       gpuPCIAddresses,
	}
	vmMgr := vm.New(logger, vmCfg, runnerStore, reporter, overlayMgr, vfioBinder)

	if err := vpsMgr.Recover(ctx); err != nil {
		logger.Error("vps recovery encountered errors", zap.Error(err))
	}
	if err := vmMgr.Recover(ctx); err != nil {
		logger.Error("vm recovery encountered errors", zap.Error(err))
	}

	hub := tunnel.NewHub(logger)

	gw := gateway.New(gateway.Deps{
		Executor: taskExecutor,
		VPSMgr:   vpsMgr,
		VMMgr:    vmMgr,
		Store:    runnerStore,
		Reporter: reporter,
		Hub:      hub,
		Logger:   logger,
	})

	selfURL := "http://" + cfg.Hostname + ":" + strconv.Itoa(cfg.Port)
	registerWithHost(ctx, logger, cfg, reporter, sampler, vfioCapable, overlayMgr, selfURL)

	go heartbeatLoop(ctx, logger, cfg, reporter, runnerStore, sampler)
	go metrics.RunSamplerLoop(ctx, containerCounter(runnerStore), vmCounter(runnerStore), hub, cfg.MetricsSampleInterval)

	server := &http.Server{
		Addr:    cfg.ListenAddr + ":" + strconv.Itoa(cfg.Port),
		Handler: gw.Router(),
	}

	go func() {
		logger.Info("runner listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// registerWithHost performs the one-time §4.2 registration handshake,
// building the static fields (cores, memory, NUMA map, GPU inventory) from
// the local host, then wires the overlay endpoint the Host hands back.
func registerWithHost(ctx context.Context, logger *zap.Logger, cfg *config.Config, reporter *hostclient.Client, sampler *monitor.Sampler, vfioCapable []models.VFIODevice, overlayMgr *overlay.Manager, selfURL string) {
	cores, mem, numa := sampler.HostTopology()
	_, _, _, gpus := sampler.Sample(ctx)

	req := models.RegisterRequest{
		Hostname:      cfg.Hostname,
		URL:           selfURL,
		TotalCores:    cores,
		TotalMemory:   mem,
		NUMATopology:  numa,
		GPUs:          gpus,
		VMCapable:     vmCapable(),
		VFIOCapable:   vfioCapable,
		RunnerVersion: "dev",
	}

	resp, err := reporter.Register(ctx, req)
	if err != nil {
		logger.Fatal("failed to register with host", zap.Error(err))
	}
	if resp.OverlayEnabled && resp.Overlay != nil {
		if err := overlayMgr.EnsureEndpoint(resp.Overlay); err != nil {
			logger.Error("failed to bring up overlay endpoint", zap.Error(err))
		}
	}
}

func heartbeatLoop(ctx context.Context, logger *zap.Logger, cfg *config.Config, reporter *hostclient.Client, st *store.Store, sampler *monitor.Sampler) {
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpuPct, memPct, temp, gpus := sampler.Sample(ctx)
			report := models.HeartbeatReport{
				RunningTaskIDs: runningTaskIDs(st),
				CPUPercent:     cpuPct,
				MemPercent:     memPct,
				TempCelsius:    temp,
				GPUs:           gpus,
				VMCapable:      vmCapable(),
				RunnerVersion:  "dev",
			}
			if err := reporter.Heartbeat(ctx, cfg.Hostname, report); err != nil {
				logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func runningTaskIDs(st *store.Store) []int64 {
	var ids []int64
	if containers, err := st.ListContainers(); err == nil {
		for _, c := range containers {
			ids = append(ids, c.TaskID)
		}
	}
	if vms, err := st.ListVMs(); err == nil {
		for _, v := range vms {
			ids = append(ids, v.TaskID)
		}
	}
	return ids
}

func containerCounter(st *store.Store) func() int {
	return func() int {
		containers, err := st.ListContainers()
		if err != nil {
			return 0
		}
		return len(containers)
	}
}

func vmCounter(st *store.Store) func() int {
	return func() int {
		vms, err := st.ListVMs()
		if err != nil {
			return 0
		}
		return len(vms)
	}
}

// vmCapable reports whether this Runner can act as a QEMU VM host.
func vmCapable() bool {
	_, err := exec.LookPath("qemu-system-x86_64")
	return err == nil
}

// outboundIP picks the local address used to reach the network at large, for
// the VXLAN endpoint this Runner advertises to its peers. Falls back to the
// loopback address (overlay networking degrades to local-only) if nothing is
// routable, which only matters in single-node test environments.
func outboundIP(logger *zap.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Warn("failed to determine outbound ip, overlay networking will be local-only", zap.Error(err))
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}

// Package config holds the Runner process's configuration. Same
// env-var-with-defaults idiom as internal/host/config, grounded on
// control-plane/internal/config/config.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the complete Runner configuration.
type Config struct {
	Hostname        string
	HostAddr        string // e.g. http://host:8000, where to register/heartbeat
	ListenAddr      string
	Port            int // default 8001, §6
	LocalTempDir    string
	SharedDir       string
	VMInstancesDir  string
	VMImagesDir     string
	BoltPath        string // local ephemeral store (§6)
	HeartbeatInterval time.Duration
	VFIOBindTimeout time.Duration
	CloudInitTimeoutNoGPU time.Duration
	CloudInitTimeoutGPU   time.Duration
	QMPShutdownTimeout    time.Duration
	RebootWatchdogTimeout time.Duration

	TunnelClientPath    string // container-resident tunnel-client binary, bind-mounted read-only (§4.3)
	VPSAutoSnapshot     bool   // snapshot before removal on stop (§4.4)
	VPSAutoRestore      bool   // prefer latest snapshot as creation source when present (§4.4)
	VPSSnapshotRetain   int    // newest-N snapshots kept per VPS (§4.4)
	SSHProxyListenAddr  string // §4.9, default :8002

	OverlayBridgeName string // local Linux bridge backing the VXLAN overlay (§4.7)
	OverlayVXLANIface string // VXLAN netlink device name attached to that bridge
	NvidiaSMIBinary   string // default "nvidia-smi", resolved on PATH
	MetricsSampleInterval time.Duration
}

// Load reads Config from the environment.
func Load() (*Config, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("runner config: resolve hostname: %w", err)
	}

	cfg := &Config{
		Hostname:              getEnv("KR_RUNNER_HOSTNAME", hostname),
		HostAddr:              getEnv("KR_HOST_ADDR", "http://localhost:8000"),
		ListenAddr:            getEnv("KR_RUNNER_LISTEN_ADDR", "0.0.0.0"),
		Port:                  getEnvAsInt("KR_RUNNER_PORT", 8001),
		LocalTempDir:          getEnv("KR_LOCAL_TEMP_DIR", "/var/lib/kohakuriver/tmp"),
		SharedDir:             getEnv("KR_SHARED_DIR", "/var/lib/kohakuriver/shared"),
		VMInstancesDir:        getEnv("KR_VM_INSTANCES_DIR", "/var/lib/kohakuriver/vm-instances"),
		VMImagesDir:           getEnv("KR_VM_IMAGES_DIR", "/var/lib/kohakuriver/vm-images"),
		BoltPath:              getEnv("KR_RUNNER_STORE_PATH", "/var/lib/kohakuriver/runner.db"),
		HeartbeatInterval:     getEnvAsDuration("KR_HEARTBEAT_INTERVAL", "5s"),
		VFIOBindTimeout:       getEnvAsDuration("KR_VFIO_BIND_TIMEOUT", "10s"),
		CloudInitTimeoutNoGPU: getEnvAsDuration("KR_CLOUDINIT_TIMEOUT_NO_GPU", "5m"),
		CloudInitTimeoutGPU:   getEnvAsDuration("KR_CLOUDINIT_TIMEOUT_GPU", "15m"),
		QMPShutdownTimeout:    getEnvAsDuration("KR_QMP_SHUTDOWN_TIMEOUT", "30s"),
		RebootWatchdogTimeout: getEnvAsDuration("KR_REBOOT_WATCHDOG_TIMEOUT", "5m"),
		TunnelClientPath:      getEnv("KR_TUNNEL_CLIENT_PATH", "/opt/kohakuriver/bin/tunnel-client"),
		VPSAutoSnapshot:       getEnvAsBool("KR_VPS_AUTO_SNAPSHOT", true),
		VPSAutoRestore:        getEnvAsBool("KR_VPS_AUTO_RESTORE", true),
		VPSSnapshotRetain:     getEnvAsInt("KR_VPS_SNAPSHOT_RETAIN", 3),
		SSHProxyListenAddr:    getEnv("KR_RUNNER_SSH_LISTEN_ADDR", ":8002"),
		OverlayBridgeName:     getEnv("KR_OVERLAY_BRIDGE_NAME", "br-kohaku"),
		OverlayVXLANIface:     getEnv("KR_OVERLAY_VXLAN_IFACE", "vxlan-kohaku"),
		NvidiaSMIBinary:       getEnv("KR_NVIDIA_SMI_BINARY", "nvidia-smi"),
		MetricsSampleInterval: getEnvAsDuration("KR_METRICS_SAMPLE_INTERVAL", "15s"),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

// Package vfio binds and unbinds GPU devices to the vfio-pci driver for
// passthrough into QEMU guests (§4.6). Consumer NVIDIA cards can hang
// indefinitely on unbind even once the device is actually released, so every
// sysfs write runs on its own goroutine with a bounded wait; the write's
// effect is verified by reading the driver symlink rather than by trusting
// the write to return. There is no ecosystem package for raw VFIO sysfs
// binding, so this is plain `os` file I/O, grounded on the sysfs-path
// conventions documented in the Linux kernel's VFIO user guide.
package vfio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// sysBusPCI is a var (not a const) so tests can repoint it at a fake sysfs tree.
var sysBusPCI = "/sys/bus/pci/devices"

// Config controls sysfs write timeouts and the persistence daemon binary.
type Config struct {
	BindTimeout          time.Duration
	PersistencedBinary   string // default "nvidia-persistenced"
}

// Binder binds/unbinds PCI devices to vfio-pci for GPU passthrough.
type Binder struct {
	logger *zap.Logger
	cfg    Config
}

// New constructs a Binder.
func New(logger *zap.Logger, cfg Config) *Binder {
	if cfg.BindTimeout == 0 {
		cfg.BindTimeout = 5 * time.Second
	}
	if cfg.PersistencedBinary == "" {
		cfg.PersistencedBinary = "nvidia-persistenced"
	}
	return &Binder{logger: logger, cfg: cfg}
}

// IOMMUGroupDevices lists every PCI address in gpuAddr's IOMMU group,
// excluding PCI bridges (class major 0x06), which must stay bound to their
// host driver for the bus to keep functioning (§4.6).
func (b *Binder) IOMMUGroupDevices(gpuAddr string) ([]string, error) {
	groupLink := filepath.Join(sysBusPCI, gpuAddr, "iommu_group")
	groupPath, err := os.Readlink(groupLink)
	if err != nil {
		return nil, fmt.Errorf("read iommu_group link for %s: %w", gpuAddr, err)
	}
	groupDevicesDir := filepath.Join(filepath.Dir(groupLink), groupPath, "devices")
	entries, err := os.ReadDir(groupDevicesDir)
	if err != nil {
		return nil, fmt.Errorf("read iommu group devices: %w", err)
	}

	var out []string
	for _, e := range entries {
		addr := e.Name()
		class, err := b.deviceClass(addr)
		if err != nil {
			continue
		}
		if isBridgeClass(class) {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

func (b *Binder) deviceClass(addr string) (string, error) {
	data, err := os.ReadFile(filepath.Join(sysBusPCI, addr, "class"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// isBridgeClass reports whether a sysfs class string (e.g. "0x060400")
// belongs to the PCI bridge major class 0x06.
func isBridgeClass(class string) bool {
	c := strings.TrimPrefix(class, "0x")
	if len(c) < 2 {
		return false
	}
	return c[:2] == "06"
}

// DiscoverGPUs lists every NVIDIA GPU's PCI address via nvidia-smi and pairs
// each with its IOMMU group's companion devices, for the VFIOCapable field
// of a Runner's registration payload (§4.6/§8.1). An nvidia-smi failure
// (no GPU, no driver) is not an error: it just means no device is
// passthrough-capable on this Runner.
func (b *Binder) DiscoverGPUs(ctx context.Context) ([]models.VFIODevice, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=pci.bus_id", "--format=csv,noheader")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, nil
	}

	var devices []models.VFIODevice
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		addr := normalizePCIAddress(line)
		companions, err := b.IOMMUGroupDevices(addr)
		if err != nil {
			b.logger.Warn("failed to resolve iommu group for discovered gpu", zap.String("addr", addr), zap.Error(err))
			continue
		}
		group, err := b.iommuGroupID(addr)
		if err != nil {
			continue
		}
		devices = append(devices, models.VFIODevice{
			PCIAddress:       addr,
			IOMMUGroup:       group,
			CompanionDevices: companions,
		})
	}
	return devices, nil
}

func (b *Binder) iommuGroupID(addr string) (int, error) {
	groupPath, err := os.Readlink(filepath.Join(sysBusPCI, addr, "iommu_group"))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(filepath.Base(groupPath))
}

// normalizePCIAddress lowercases nvidia-smi's "0000:3B:00.0" style address
// and trims surrounding whitespace. The PCI domain field is neither padded
// nor shortened, so the result matches the sysfs name only when nvidia-smi
// reports a four-digit domain.
func normalizePCIAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// BindGroup binds every non-bridge device in gpuAddr's IOMMU group to
// vfio-pci, stopping the NVIDIA persistence daemon first (§4.6).
func (b *Binder) BindGroup(gpuAddr string) error {
	devices, err := b.IOMMUGroupDevices(gpuAddr)
	if err != nil {
		return err
	}

	b.stopPersistenceDaemon()
	defer b.startPersistenceDaemon()

	var bound []string
	for _, addr := range devices {
		if err := b.bindOne(addr); err != nil {
			b.rollbackBound(bound)
			return fmt.Errorf("bind %s: %w", addr, err)
		}
		bound = append(bound, addr)
	}
	return nil
}

// rollbackBound unbinds every device already bound earlier in the same
// group after a later bind in the group fails (§7: "A VFIO bind failure
// rolls back: devices already bound in the current group are unbound").
// Best-effort: a secondary unbind failure is logged, not returned, since
// the caller is already propagating the original bind error.
func (b *Binder) rollbackBound(bound []string) {
	for _, addr := range bound {
		if err := b.unbindOne(addr); err != nil {
			b.logger.Warn("rollback: failed to unbind previously bound device",
				zap.String("addr", addr), zap.Error(err))
		}
	}
}

// UnbindGroup restores every non-bridge device in gpuAddr's IOMMU group to
// its pre-passthrough driver state (here: simply unbound, letting the host
// driver re-probe on the next drivers_probe write) (§4.6).
func (b *Binder) UnbindGroup(gpuAddr string) error {
	devices, err := b.IOMMUGroupDevices(gpuAddr)
	if err != nil {
		return err
	}

	b.stopPersistenceDaemon()
	defer b.startPersistenceDaemon()

	for _, addr := range devices {
		if err := b.unbindOne(addr); err != nil {
			return fmt.Errorf("unbind %s: %w", addr, err)
		}
	}
	return nil
}

func (b *Binder) bindOne(addr string) error {
	if b.currentDriver(addr) == "vfio-pci" {
		return nil
	}
	if err := b.unbindFromCurrentDriver(addr); err != nil {
		return err
	}
	if err := b.hungWrite(filepath.Join(sysBusPCI, addr, "driver_override"), "vfio-pci"); err != nil {
		return err
	}
	if err := b.hungWrite("/sys/bus/pci/drivers_probe", addr); err != nil {
		return err
	}
	if b.currentDriver(addr) == "vfio-pci" {
		return nil
	}
	// Explicit fallback: bind directly through the vfio-pci driver's own bind file.
	if err := b.hungWrite("/sys/bus/pci/drivers/vfio-pci/bind", addr); err != nil {
		return err
	}
	if b.currentDriver(addr) != "vfio-pci" {
		return fmt.Errorf("%s not bound to vfio-pci after explicit bind", addr)
	}
	return nil
}

func (b *Binder) unbindOne(addr string) error {
	driver := b.currentDriver(addr)
	if driver == "" {
		return nil
	}
	if err := b.hungWrite(filepath.Join(sysBusPCI, addr, "driver_override"), ""); err != nil {
		b.logger.Warn("failed to clear driver_override", zap.String("addr", addr), zap.Error(err))
	}
	return b.unbindFromCurrentDriver(addr)
}

func (b *Binder) unbindFromCurrentDriver(addr string) error {
	driver := b.currentDriver(addr)
	if driver == "" {
		return nil
	}
	if err := b.hungWrite(fmt.Sprintf("/sys/bus/pci/drivers/%s/unbind", driver), addr); err != nil {
		return err
	}
	if b.currentDriver(addr) == driver {
		return fmt.Errorf("%s still bound to %s after unbind", addr, driver)
	}
	return nil
}

func (b *Binder) currentDriver(addr string) string {
	link, err := os.Readlink(filepath.Join(sysBusPCI, addr, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

// hungWrite implements §4.6's hung-sysfs handling: the write runs on its own
// goroutine so a card that hangs the kernel driver on unbind cannot block the
// caller forever; after the timeout we simply stop waiting on it; the caller
// is expected to check the observable effect (currentDriver) rather than
// trust this function's return value alone.
func (b *Binder) hungWrite(path, value string) error {
	done := make(chan error, 1)
	go func() {
		done <- os.WriteFile(path, []byte(value), 0200)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(b.cfg.BindTimeout):
		b.logger.Warn("sysfs write did not return before timeout, proceeding on observed effect",
			zap.String("path", path), zap.String("value", value))
		return nil
	}
}

func (b *Binder) stopPersistenceDaemon() {
	if err := exec.Command(b.cfg.PersistencedBinary, "--stop").Run(); err != nil {
		b.logger.Debug("persistence daemon stop failed, may not have been running", zap.Error(err))
	}
}

func (b *Binder) startPersistenceDaemon() {
	if err := exec.Command(b.cfg.PersistencedBinary).Run(); err != nil {
		b.logger.Warn("failed to restart nvidia persistence daemon", zap.Error(err))
	}
}

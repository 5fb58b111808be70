// Package overlay implements the Runner side of the VXLAN hub-and-spoke
// overlay (§4.7): programming the kernel VXLAN device, a Linux bridge, and
// the container/VM taps that attach to it. Direct netlink calls (no
// shelling out to `ip`) follow
// other_examples/c82290ba_zeitwork-zeitwork__internal-zeitwork-server.go.go's
// syncHostRoutes, which uses github.com/vishvananda/netlink for the same
// reason: idempotent, typed kernel programming instead of parsing `ip`
// command output.
package overlay

import (
	"fmt"
	"net"
	"os/exec"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// Manager programs this Runner's VXLAN endpoint and bridge from a Host-issued
// allocation (§4.7).
type Manager struct {
	logger       *zap.Logger
	hostAddr     net.IP
	bridgeName   string
	vxlanIfName  string
}

// New constructs a Manager. hostAddr is the underlay IP used as the VXLAN
// remote endpoint toward the Host.
func New(logger *zap.Logger, hostAddr net.IP, bridgeName, vxlanIfName string) *Manager {
	return &Manager{logger: logger, hostAddr: hostAddr, bridgeName: bridgeName, vxlanIfName: vxlanIfName}
}

// EnsureEndpoint idempotently creates (or verifies) the VXLAN device, the
// bridge it attaches to, and the Runner's gateway-side address in its
// overlay subnet, per the allocation the Host handed out at registration.
func (m *Manager) EnsureEndpoint(alloc *models.OverlayAllocation) error {
	_, subnet, err := net.ParseCIDR(alloc.Subnet)
	if err != nil {
		return fmt.Errorf("overlay: invalid subnet %q: %w", alloc.Subnet, err)
	}

	bridge, err := m.ensureBridge()
	if err != nil {
		return err
	}

	vxlan, err := m.ensureVXLAN(alloc.VXLANID, bridge)
	if err != nil {
		return err
	}
	_ = vxlan

	localIP, err := firstHost(subnet)
	if err != nil {
		return err
	}
	if err := m.ensureAddr(bridge, localIP, subnet); err != nil {
		return err
	}

	if err := m.ensureEgressRules(subnet); err != nil {
		return err
	}

	m.logger.Info("overlay endpoint ready",
		zap.String("bridge", m.bridgeName), zap.Int("vxlan_id", alloc.VXLANID), zap.String("subnet", alloc.Subnet))
	return nil
}

func (m *Manager) ensureBridge() (*netlink.Bridge, error) {
	link, err := netlink.LinkByName(m.bridgeName)
	if err == nil {
		if br, ok := link.(*netlink.Bridge); ok {
			return br, nil
		}
		return nil, fmt.Errorf("overlay: %s exists and is not a bridge", m.bridgeName)
	}

	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: m.bridgeName}}
	if err := netlink.LinkAdd(br); err != nil {
		return nil, fmt.Errorf("overlay: create bridge %s: %w", m.bridgeName, err)
	}
	if err := netlink.LinkSetUp(br); err != nil {
		return nil, fmt.Errorf("overlay: bring up bridge %s: %w", m.bridgeName, err)
	}
	return br, nil
}

func (m *Manager) ensureVXLAN(vxlanID int, bridge *netlink.Bridge) (*netlink.Vxlan, error) {
	link, err := netlink.LinkByName(m.vxlanIfName)
	if err == nil {
		if vx, ok := link.(*netlink.Vxlan); ok {
			return vx, nil
		}
		return nil, fmt.Errorf("overlay: %s exists and is not a vxlan device", m.vxlanIfName)
	}

	vx := &netlink.Vxlan{
		LinkAttrs: netlink.LinkAttrs{Name: m.vxlanIfName},
		VxlanId:   vxlanID,
		Group:     m.hostAddr,
		Port:      4789,
		Learning:  true,
	}
	if err := netlink.LinkAdd(vx); err != nil {
		return nil, fmt.Errorf("overlay: create vxlan %s: %w", m.vxlanIfName, err)
	}
	if err := netlink.LinkSetMaster(vx, bridge); err != nil {
		return nil, fmt.Errorf("overlay: attach vxlan to bridge: %w", err)
	}
	if err := netlink.LinkSetUp(vx); err != nil {
		return nil, fmt.Errorf("overlay: bring up vxlan %s: %w", m.vxlanIfName, err)
	}
	return vx, nil
}

func (m *Manager) ensureAddr(link netlink.Link, ip net.IP, subnet *net.IPNet) error {
	ones, _ := subnet.Mask.Size()
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(ones, 32)}}

	existing, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("overlay: list addrs: %w", err)
	}
	for _, a := range existing {
		if a.IP.Equal(ip) {
			return nil
		}
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("overlay: add addr %s: %w", ip, err)
	}
	return nil
}

// BridgeName returns the Linux bridge backing this Runner's overlay
// network, so a container runtime network can be created against it.
func (m *Manager) BridgeName() string { return m.bridgeName }

// AttachTap attaches a container/VM tap device to the overlay bridge.
func (m *Manager) AttachTap(tapName string) error {
	tap, err := netlink.LinkByName(tapName)
	if err != nil {
		return fmt.Errorf("overlay: find tap %s: %w", tapName, err)
	}
	bridge, err := netlink.LinkByName(m.bridgeName)
	if err != nil {
		return fmt.Errorf("overlay: find bridge %s: %w", m.bridgeName, err)
	}
	if err := netlink.LinkSetMaster(tap, bridge); err != nil {
		return fmt.Errorf("overlay: attach %s to bridge: %w", tapName, err)
	}
	return netlink.LinkSetUp(tap)
}

// CreateTap creates a new TAP device named name for a VM VPS (§4.5) and
// attaches it to the overlay bridge.
func (m *Manager) CreateTap(name string) error {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("overlay: create tap %s: %w", name, err)
	}
	return m.AttachTap(name)
}

// DeleteTap removes a TAP device on VM teardown.
func (m *Manager) DeleteTap(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil // already gone
	}
	return netlink.LinkDel(link)
}

// ensureEgressRules installs the forwarding and masquerade rules §4.7
// requires so overlay workloads can reach the outside world: FORWARD ACCEPT
// for traffic crossing the bridge, and POSTROUTING MASQUERADE for traffic
// leaving the overlay subnet. Idempotent (checked with `-C` before `-A`), so
// a Runner restart doesn't pile up duplicate rules — grounded on
// cuemby-warren's pkg/network/hostports.go, which shells out to iptables the
// same way for its DNAT/MASQUERADE/FORWARD rule trio.
func (m *Manager) ensureEgressRules(subnet *net.IPNet) error {
	cidr := subnet.String()

	masq := []string{"-t", "nat", "POSTROUTING", "-s", cidr, "-j", "MASQUERADE"}
	if err := ensureIPTablesRule(masq); err != nil {
		return fmt.Errorf("overlay: masquerade rule for %s: %w", cidr, err)
	}

	fwdOut := []string{"FORWARD", "-s", cidr, "-j", "ACCEPT"}
	if err := ensureIPTablesRule(fwdOut); err != nil {
		return fmt.Errorf("overlay: forward-out rule for %s: %w", cidr, err)
	}

	fwdIn := []string{"FORWARD", "-d", cidr, "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"}
	if err := ensureIPTablesRule(fwdIn); err != nil {
		return fmt.Errorf("overlay: forward-in rule for %s: %w", cidr, err)
	}

	return nil
}

// ensureIPTablesRule appends an iptables rule unless an identical one (sans
// the -A/-C verb) is already present.
func ensureIPTablesRule(ruleArgs []string) error {
	check := append([]string{"-C"}, ruleArgs...)
	if err := exec.Command("iptables", check...).Run(); err == nil {
		return nil // already present
	}

	add := append([]string{"-A"}, ruleArgs...)
	out, err := exec.Command("iptables", add...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables -A %v: %w (output: %s)", ruleArgs, err, string(out))
	}
	return nil
}

func firstHost(subnet *net.IPNet) (net.IP, error) {
	v4 := subnet.IP.To4()
	if v4 == nil {
		return nil, fmt.Errorf("overlay: subnet %s is not IPv4", subnet.String())
	}
	ip := make(net.IP, len(v4))
	copy(ip, v4)
	ip[len(ip)-1]++
	return ip, nil
}

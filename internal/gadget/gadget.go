// Package gadget manages the Linux USB gadget subsystem that presents the
// live image to the car as a mass storage device (§4.7 Gadget exclusion
// window).
package gadget

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ben-z/teslausb-ng/internal/logging"
)

const (
	vendorID  = "0x1d6b"
	productID = "0x0104"
)

// Lun describes one logical unit backed by a disk image.
type Lun struct {
	DiskPath  string
	Removable bool
	ReadOnly  bool
	CDROM     bool
}

// Gadget is the facade the coordinator uses for the exclusion window: take
// the gadget offline before a read-write mount of the live image, then
// bring it back.
type Gadget interface {
	Setup(luns map[int]Lun) error
	Teardown() error
	Enable() error
	Disable()
	IsEnabled() bool
	IsSetup() bool
}

// Configfs drives the kernel's configfs-based gadget API directly,
// equivalent to the reference UsbGadget.
type Configfs struct {
	name     string
	configfs string
	udcPath  string
	log      *logging.Logger
}

var _ Gadget = (*Configfs)(nil)

// NewConfigfs returns a gadget facade named name, rooted at configfs
// (normally "/sys/kernel/config/usb_gadget").
func NewConfigfs(name, configfs string) *Configfs {
	return &Configfs{
		name:     name,
		configfs: configfs,
		udcPath:  "/sys/class/udc",
		log:      logging.New("gadget"),
	}
}

func (g *Configfs) path() string { return filepath.Join(g.configfs, g.name) }

func writeConfigfs(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readConfigfs(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (g *Configfs) udc() (string, error) {
	entries, err := os.ReadDir(g.udcPath)
	if err != nil {
		return "", fmt.Errorf("UDC path %s does not exist: %w", g.udcPath, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no USB device controller found under %s", g.udcPath)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries[0].Name(), nil
}

// Setup creates the gadget's configfs tree and configures luns (LUN 0 is
// the camera disk in practice, 1+ are optional).
func (g *Configfs) Setup(luns map[int]Lun) error {
	if g.IsSetup() {
		g.log.Printf("gadget %s already set up", g.name)
		return nil
	}
	if len(luns) == 0 {
		return fmt.Errorf("at least one LUN must be configured")
	}

	root := g.path()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create gadget directory %s: %w", root, err)
	}

	if err := g.writeAll(root, luns); err != nil {
		g.cleanupPartial(root)
		return err
	}

	g.log.Printf("gadget %s setup complete with %d LUN(s)", g.name, len(luns))
	return nil
}

func (g *Configfs) writeAll(root string, luns map[int]Lun) error {
	if err := writeConfigfs(filepath.Join(root, "idVendor"), vendorID); err != nil {
		return err
	}
	if err := writeConfigfs(filepath.Join(root, "idProduct"), productID); err != nil {
		return err
	}
	if err := writeConfigfs(filepath.Join(root, "bcdDevice"), "0x0100"); err != nil {
		return err
	}
	if err := writeConfigfs(filepath.Join(root, "bcdUSB"), "0x0200"); err != nil {
		return err
	}

	strDir := filepath.Join(root, "strings", "0x409")
	if err := os.MkdirAll(strDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", strDir, err)
	}
	if err := writeConfigfs(filepath.Join(strDir, "manufacturer"), "TeslaUSB"); err != nil {
		return err
	}
	if err := writeConfigfs(filepath.Join(strDir, "product"), "Tesla USB Drive"); err != nil {
		return err
	}
	if err := writeConfigfs(filepath.Join(strDir, "serialnumber"), "fedcba9876543210"); err != nil {
		return err
	}

	funcDir := filepath.Join(root, "functions", "mass_storage.0")
	if err := os.MkdirAll(funcDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", funcDir, err)
	}

	ids := make([]int, 0, len(luns))
	for id := range luns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if err := g.setupLun(funcDir, id, luns[id]); err != nil {
			return err
		}
	}

	cfgDir := filepath.Join(root, "configs", "c.1")
	cfgStrDir := filepath.Join(cfgDir, "strings", "0x409")
	if err := os.MkdirAll(cfgStrDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", cfgStrDir, err)
	}
	if err := writeConfigfs(filepath.Join(cfgStrDir, "configuration"), "Config 1: Mass Storage"); err != nil {
		return err
	}
	if err := writeConfigfs(filepath.Join(cfgDir, "MaxPower"), "250"); err != nil {
		return err
	}

	link := filepath.Join(cfgDir, "mass_storage.0")
	if _, err := os.Lstat(link); os.IsNotExist(err) {
		if err := os.Symlink(funcDir, link); err != nil {
			return fmt.Errorf("link function into config: %w", err)
		}
	}
	return nil
}

func (g *Configfs) setupLun(funcDir string, id int, lun Lun) error {
	lunDir := filepath.Join(funcDir, fmt.Sprintf("lun.%d", id))
	if id > 0 {
		if err := os.MkdirAll(lunDir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", lunDir, err)
		}
	}
	if err := writeConfigfs(filepath.Join(lunDir, "removable"), boolFlag(lun.Removable)); err != nil {
		return err
	}
	if err := writeConfigfs(filepath.Join(lunDir, "ro"), boolFlag(lun.ReadOnly)); err != nil {
		return err
	}
	if err := writeConfigfs(filepath.Join(lunDir, "cdrom"), boolFlag(lun.CDROM)); err != nil {
		return err
	}
	return writeConfigfs(filepath.Join(lunDir, "file"), lun.DiskPath)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (g *Configfs) cleanupPartial(root string) {
	if err := os.RemoveAll(root); err != nil {
		g.log.Printf("failed to clean up partial gadget setup at %s: %v", root, err)
	}
}

// Teardown disables the gadget (if enabled) and removes its configfs tree.
func (g *Configfs) Teardown() error {
	if !g.IsSetup() {
		return nil
	}
	g.Disable()

	root := g.path()
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("teardown gadget %s: %w", g.name, err)
	}
	g.log.Printf("gadget %s removed", g.name)
	return nil
}

// Enable binds the gadget to the first available UDC, making it visible to
// the car.
func (g *Configfs) Enable() error {
	if !g.IsSetup() {
		return fmt.Errorf("gadget %s not set up", g.name)
	}
	if g.IsEnabled() {
		return nil
	}
	udc, err := g.udc()
	if err != nil {
		return err
	}
	g.log.Printf("enabling gadget %s on %s", g.name, udc)
	return writeConfigfs(filepath.Join(g.path(), "UDC"), udc)
}

// Disable unbinds the gadget. Failures are logged, not returned: callers
// must re-check IsEnabled() afterward rather than trust this call
// succeeded (§9 — some kernels accept the write but leave the gadget
// bound).
func (g *Configfs) Disable() {
	if !g.IsEnabled() {
		return
	}
	g.log.Printf("disabling gadget %s", g.name)
	if err := writeConfigfs(filepath.Join(g.path(), "UDC"), ""); err != nil {
		g.log.Printf("failed to disable gadget %s: %v", g.name, err)
	}
}

// IsEnabled reports whether the gadget is currently bound to a UDC.
func (g *Configfs) IsEnabled() bool {
	value, err := readConfigfs(filepath.Join(g.path(), "UDC"))
	if err != nil {
		return false
	}
	return value != ""
}

// IsSetup reports whether the gadget's configfs directory exists.
func (g *Configfs) IsSetup() bool {
	_, err := os.Stat(g.path())
	return err == nil
}

// Mock is an in-memory gadget for tests. SilentDisableFailure models a
// kernel that accepts the UDC-unbind write but leaves the gadget enabled
// (scenario seed 6).
type Mock struct {
	SilentDisableFailure bool

	setup        bool
	enabled      bool
	luns         map[int]Lun
	EnableCount  int
	DisableCount int
}

var _ Gadget = (*Mock)(nil)

func (m *Mock) Setup(luns map[int]Lun) error {
	if len(luns) == 0 {
		return fmt.Errorf("at least one LUN must be configured")
	}
	m.luns = make(map[int]Lun, len(luns))
	for k, v := range luns {
		m.luns[k] = v
	}
	m.setup = true
	return nil
}

func (m *Mock) Teardown() error {
	m.enabled = false
	m.setup = false
	m.luns = nil
	return nil
}

func (m *Mock) Enable() error {
	if !m.setup {
		return fmt.Errorf("gadget not set up")
	}
	m.enabled = true
	m.EnableCount++
	return nil
}

func (m *Mock) Disable() {
	if m.SilentDisableFailure {
		return
	}
	if m.enabled {
		m.enabled = false
		m.DisableCount++
	}
}

func (m *Mock) IsEnabled() bool { return m.enabled }
func (m *Mock) IsSetup() bool   { return m.setup }

// ForceEnabled sets enabled state directly, for constructing the
// silently-stuck-enabled scenario in tests without going through Enable.
func (m *Mock) ForceEnabled(enabled bool) { m.enabled = enabled }

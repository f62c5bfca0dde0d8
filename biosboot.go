// Package biosboot boots an x86_64 BIOS boot medium through the classic
// three-stage sequence: real mode, unreal mode, protected mode, long mode.
// The sequence runs host-side against a simulated machine with the mode
// transitions modeled as explicit state; the resulting long-mode hand-off can
// then be inspected, or programmed into a hardware-backed vCPU to actually
// run the payload.
package biosboot

import (
	"fmt"
	"os"

	"github.com/tinyrange/biosboot/internal/boot"
	"github.com/tinyrange/biosboot/internal/boot/disk"
	"github.com/tinyrange/biosboot/internal/console"
	"github.com/tinyrange/biosboot/internal/devices/input"
	"github.com/tinyrange/biosboot/internal/firmware"
	"github.com/tinyrange/biosboot/internal/hv"
	"github.com/tinyrange/biosboot/internal/hv/sim"
	"github.com/tinyrange/biosboot/internal/medium"
)

// Handoff describes the 64-bit environment delivered to the payload.
type Handoff = boot.Handoff

// Image is an opened boot medium.
type Image = medium.Image

// Layout is the sector-0 header of a boot medium.
type Layout = medium.Layout

// FirmwareConfig is the simulated firmware's configuration, including its
// fault-injection knobs.
type FirmwareConfig = firmware.Config

// Sentinel errors for the fatal boot conditions.
var (
	ErrNoDiskExtensions = disk.ErrNoExtensions
	ErrDiskRead         = disk.ErrReadFailed
	ErrA20Gate          = boot.ErrA20Gate
	ErrMemoryMap        = boot.ErrMemoryMap
	ErrNoCPUID          = boot.ErrNoCPUID
	ErrNoLongMode       = boot.ErrNoLongMode
)

// DefaultMemorySize is the simulated machine's RAM when no option overrides
// it.
const DefaultMemorySize = uint64(64 << 20)

type config struct {
	memSize    uint64
	loadAssets bool
	videoMode  uint8
	features   *hv.CPUFeatures
	firmware   func(*firmware.Config)
	progress   func(copied, total uint32)
}

// Option configures a Boot call.
type Option func(*config)

// WithMemorySize sets the simulated machine's RAM in bytes.
func WithMemorySize(bytes uint64) Option {
	return func(c *config) { c.memSize = bytes }
}

// WithAssets enables the stage 2 asset load when the medium carries an asset
// region.
func WithAssets() Option {
	return func(c *config) { c.loadAssets = true }
}

// WithVideoMode overrides the graphics mode set before the hand-off.
func WithVideoMode(mode uint8) Option {
	return func(c *config) { c.videoMode = mode }
}

// WithCPUFeatures overrides the simulated CPU's feature surface. Tests use
// it to exercise the unsupported-hardware fatal paths.
func WithCPUFeatures(features hv.CPUFeatures) Option {
	return func(c *config) { c.features = &features }
}

// WithFirmwareConfig edits the simulated firmware configuration before the
// machine boots, including its fault-injection knobs.
func WithFirmwareConfig(fn func(*firmware.Config)) Option {
	return func(c *config) { c.firmware = fn }
}

// WithProgress reports per-sector progress while the image loads.
func WithProgress(fn func(copied, total uint32)) Option {
	return func(c *config) { c.progress = fn }
}

// Session is a booted (or fatally halted) simulated machine.
type Session struct {
	VM   *sim.Machine
	CPU  *sim.CPU
	BIOS *firmware.BIOS
	Gate *input.I8042

	// Handoff is nil when the boot took a fatal path.
	Handoff *Handoff
}

// Screen renders the machine's text buffer as ANSI terminal output.
func (s *Session) Screen() (string, error) {
	return console.Render(s.VM)
}

// OpenMediumFile opens and validates a boot medium image file. The returned
// close function releases the underlying file once the image is no longer
// needed.
func OpenMediumFile(path string) (*Image, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open medium: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat medium: %w", err)
	}
	img, err := medium.Open(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return img, f.Close, nil
}

// Boot runs the full boot sequence against a fresh simulated machine. On a
// fatal condition the returned error wraps the cause and the Session still
// carries the halted machine, so the diagnostic screen can be rendered.
func Boot(img *Image, opts ...Option) (*Session, error) {
	cfg := config{memSize: DefaultMemorySize}
	for _, opt := range opts {
		opt(&cfg)
	}

	vm := sim.NewMachine(cfg.memSize)
	cpu := vm.CPU()
	if cfg.features != nil {
		cpu.SetFeatures(*cfg.features)
	}

	gate := input.NewI8042()
	if err := vm.AddDevice(gate); err != nil {
		return nil, err
	}

	fwCfg := firmware.Config{
		Medium:        img,
		MediumSectors: img.Sectors(),
	}
	if cfg.firmware != nil {
		cfg.firmware(&fwCfg)
	}
	bios := firmware.New(vm, cpu, fwCfg)

	session := &Session{VM: vm, CPU: cpu, BIOS: bios, Gate: gate}

	plan, err := boot.NewPlan(vm, cpu, vm, bios, boot.Options{
		Medium:     img,
		LoadAssets: cfg.loadAssets,
		VideoMode:  cfg.videoMode,
		Progress:   cfg.progress,
	})
	if err != nil {
		return session, err
	}

	handoff, err := plan.Prepare()
	if err != nil {
		return session, err
	}
	session.Handoff = handoff
	return session, nil
}

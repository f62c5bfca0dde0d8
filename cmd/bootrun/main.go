// bootrun boots a medium image through the three-stage sequence on the
// simulated machine and reports the resulting long-mode hand-off. With the
// kvm backend it then copies the prepared machine into a KVM virtual machine
// and runs the payload for real.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/biosboot"
	"github.com/tinyrange/biosboot/internal/hv"
	"github.com/tinyrange/biosboot/internal/hv/kvm"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Config is the optional YAML run configuration; flags override its fields.
type Config struct {
	Image     string `yaml:"image"`
	Backend   string `yaml:"backend"`
	Assets    bool   `yaml:"assets"`
	VideoMode uint8  `yaml:"video_mode"`
	MemoryMB  uint64 `yaml:"memory_mb"`
	Screen    bool   `yaml:"screen"`
}

func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// memoryImage copies the simulated machine's memory into a fresh VM, so a
// hardware-backed run starts from exactly the state the boot sequence built.
type memoryImage struct {
	src  hv.VirtualMachine
	size uint64
}

func (l *memoryImage) Load(vm hv.VirtualMachine) error {
	const chunk = 1 << 20
	buf := make([]byte, chunk)
	for off := uint64(0); off < l.size; off += chunk {
		n := chunk
		if remaining := l.size - off; remaining < chunk {
			n = int(remaining)
		}
		if _, err := l.src.ReadAt(buf[:n], int64(off)); err != nil {
			return fmt.Errorf("read prepared memory at %#x: %w", off, err)
		}
		if _, err := vm.WriteAt(buf[:n], int64(off)); err != nil {
			return fmt.Errorf("write guest memory at %#x: %w", off, err)
		}
	}
	return nil
}

// payloadRun drives the vCPU until it halts. Handled port I/O exits return
// nil from Run, so the loop just re-enters.
type payloadRun struct{}

func (payloadRun) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	for {
		if err := vcpu.Run(ctx); err != nil {
			return err
		}
	}
}

func runKVM(session *biosboot.Session, memSize uint64) error {
	hyp, err := kvm.Open()
	if err != nil {
		return fmt.Errorf("open kvm: %w", err)
	}
	defer hyp.Close()

	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:  1,
		MemSize:  memSize,
		VMLoader: &memoryImage{src: session.VM, size: memSize},
	})
	if err != nil {
		return fmt.Errorf("create kvm vm: %w", err)
	}
	defer vm.Close()

	if err := vm.VirtualCPUCall(0, session.Handoff.ConfigureVCPU); err != nil {
		return fmt.Errorf("configure vcpu: %w", err)
	}

	slog.Info("running payload", "entry", fmt.Sprintf("%#x", session.Handoff.State.Entry))

	err = vm.Run(context.Background(), payloadRun{})
	if errors.Is(err, hv.ErrVMHalted) {
		slog.Info("payload halted")
		return nil
	}
	return err
}

func run(cfg Config) error {
	img, closeImg, err := biosboot.OpenMediumFile(cfg.Image)
	if err != nil {
		return err
	}
	defer closeImg()

	memSize := biosboot.DefaultMemorySize
	if cfg.MemoryMB != 0 {
		memSize = cfg.MemoryMB << 20
	}

	opts := []biosboot.Option{
		biosboot.WithMemorySize(memSize),
	}
	if cfg.Assets {
		opts = append(opts, biosboot.WithAssets())
	}
	if cfg.VideoMode != 0 {
		opts = append(opts, biosboot.WithVideoMode(cfg.VideoMode))
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		var bar *progressbar.ProgressBar
		opts = append(opts, biosboot.WithProgress(func(copied, total uint32) {
			if bar == nil {
				bar = progressbar.Default(int64(total), "load sectors")
			}
			_ = bar.Add(1)
			if copied == total {
				bar.Close()
				bar = nil
			}
		}))
	}

	session, err := biosboot.Boot(img, opts...)
	if err != nil {
		if session != nil && cfg.Screen {
			if screen, serr := session.Screen(); serr == nil {
				fmt.Print(screen)
			}
		}
		return err
	}

	layout := img.Layout()
	slog.Info("boot sequence complete",
		"mode", session.CPU.Mode(),
		"entry", fmt.Sprintf("%#x", session.Handoff.State.Entry),
		"cr3", fmt.Sprintf("%#x", session.Handoff.State.Cr3),
		"map_entries", session.Handoff.MapEntries,
		"image_sectors", layout.ImageSectors,
	)

	if cfg.Screen {
		screen, err := session.Screen()
		if err != nil {
			return fmt.Errorf("render screen: %w", err)
		}
		fmt.Print(screen)
	}

	if cfg.Backend == "kvm" {
		return runKVM(session, memSize)
	}
	return nil
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "YAML run configuration")
	image := fs.String("image", "", "Boot medium image to run")
	backend := fs.String("backend", "sim", "Backend: sim or kvm")
	assets := fs.Bool("assets", false, "Load the medium's asset region in stage 2")
	videoMode := fs.Uint("video", 0, "Video mode to set before hand-off (0 = default)")
	memoryMB := fs.Uint64("memory", 0, "Guest memory in MiB (0 = default)")
	screen := fs.Bool("screen", false, "Render the text buffer after the run")
	verbose := fs.Bool("v", false, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Parse flags: %v", err)
	}

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	var cfg Config
	if *configPath != "" {
		var err error
		cfg, err = loadConfig(*configPath)
		if err != nil {
			log.Fatalf("Load config: %v", err)
		}
	}

	if *image != "" {
		cfg.Image = *image
	}
	if *backend != "sim" || cfg.Backend == "" {
		cfg.Backend = *backend
	}
	if *assets {
		cfg.Assets = true
	}
	if *videoMode != 0 {
		cfg.VideoMode = uint8(*videoMode)
	}
	if *memoryMB != 0 {
		cfg.MemoryMB = *memoryMB
	}
	if *screen {
		cfg.Screen = true
	}

	if cfg.Image == "" {
		log.Fatalf("No boot image given")
	}
	if cfg.Backend != "sim" && cfg.Backend != "kvm" {
		log.Fatalf("Unknown backend %q", cfg.Backend)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("Run: %v", err)
	}
}

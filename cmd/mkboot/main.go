// mkboot assembles a bootable medium image: a signature-bearing boot sector
// with the layout header, the payload from LBA 1, and an optional asset blob
// after it.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/biosboot/internal/medium"
	"gopkg.in/yaml.v3"
)

// Manifest describes an image build. All paths are relative to the manifest
// file's working directory.
type Manifest struct {
	// Payload is the 64-bit application binary.
	Payload string `yaml:"payload"`
	// Entry is the payload entry address; zero means the load address.
	Entry uint32 `yaml:"entry"`
	// Asset optionally names an auxiliary data blob (e.g. audio).
	Asset string `yaml:"asset"`
	// Output is the image file to write.
	Output string `yaml:"output"`
}

func loadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %q: %w", path, err)
	}
	return m, nil
}

func run(m Manifest, quiet bool) error {
	if m.Payload == "" {
		return fmt.Errorf("no payload given")
	}
	if m.Output == "" {
		return fmt.Errorf("no output given")
	}

	payload, err := os.ReadFile(m.Payload)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	var asset []byte
	if m.Asset != "" {
		asset, err = os.ReadFile(m.Asset)
		if err != nil {
			return fmt.Errorf("read asset: %w", err)
		}
	}

	out, err := os.Create(m.Output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	var bar *progressbar.ProgressBar
	progress := func(sector, total int) {
		if quiet {
			return
		}
		if bar == nil {
			bar = progressbar.Default(int64(total), "write sectors")
		}
		_ = bar.Add(1)
	}

	sectors, err := medium.Build(out, medium.BuildOptions{
		Payload:   payload,
		EntryAddr: m.Entry,
		Asset:     asset,
		Progress:  progress,
	})
	if bar != nil {
		bar.Close()
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d sectors (%d bytes)\n", m.Output, sectors, sectors*medium.SectorSize)
	return nil
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	manifest := fs.String("manifest", "", "YAML manifest describing the image build")
	payload := fs.String("payload", "", "Payload binary to place from LBA 1")
	entry := fs.Uint("entry", 0, "Payload entry address (0 = load address)")
	asset := fs.String("asset", "", "Optional asset blob appended after the payload")
	output := fs.String("output", "boot.img", "Image file to write")
	quiet := fs.Bool("quiet", false, "Suppress the progress bar")

	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Parse flags: %v", err)
	}

	var (
		m   Manifest
		err error
	)
	if *manifest != "" {
		m, err = loadManifest(*manifest)
		if err != nil {
			log.Fatalf("Load manifest: %v", err)
		}
	} else {
		m = Manifest{
			Payload: *payload,
			Entry:   uint32(*entry),
			Asset:   *asset,
			Output:  *output,
		}
	}

	if err := run(m, *quiet); err != nil {
		log.Fatalf("Build image: %v", err)
	}
}

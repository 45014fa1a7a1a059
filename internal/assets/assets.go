// Package assets installs the orbit prop into the application's item
// library before a session starts, and removes it again on exit when it
// was ours to begin with.
package assets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/orokro/vts-orbiter/internal/config"
)

const hostProcessName = "VTube Studio"

// Provisioner copies a source image into the items directory so the host
// can load it by file name. With no source configured it assumes the item
// is already in the library and does nothing.
type Provisioner struct {
	cfg config.ItemConfig
	log zerolog.Logger

	installed string // path we created, empty when nothing is ours to remove
}

func NewProvisioner(cfg config.ItemConfig, log zerolog.Logger) *Provisioner {
	return &Provisioner{cfg: cfg, log: log.With().Str("component", "assets").Logger()}
}

// Provision places the configured item file into the items directory. A
// file that is already present is left untouched and will not be removed
// on cleanup.
func (p *Provisioner) Provision() error {
	if p.cfg.Source == "" {
		p.log.Debug().Str("file", p.cfg.File).Msg("no source image configured, expecting the item in the library")
		return nil
	}

	dir := p.cfg.ItemsDir
	if dir == "" {
		found, err := discoverItemsDir()
		if err != nil {
			return fmt.Errorf("locating items directory: %w", err)
		}
		dir = found
	}

	dst := filepath.Join(dir, p.cfg.File)
	if _, err := os.Stat(dst); err == nil {
		p.log.Info().Str("path", dst).Msg("item file already present, keeping it")
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking %s: %w", dst, err)
	}

	if err := copyFile(p.cfg.Source, dst); err != nil {
		return err
	}
	p.installed = dst
	p.log.Info().Str("source", p.cfg.Source).Str("path", dst).Msg("installed item file")
	return nil
}

// Cleanup removes the file Provision installed. Files that were already
// in the library stay, as does everything when remove_on_exit is off.
func (p *Provisioner) Cleanup() {
	if p.installed == "" || !p.cfg.RemoveOnExit {
		return
	}
	if err := os.Remove(p.installed); err != nil {
		p.log.Warn().Err(err).Str("path", p.installed).Msg("removing installed item file")
		return
	}
	p.log.Info().Str("path", p.installed).Msg("removed installed item file")
	p.installed = ""
}

// discoverItemsDir finds the running application process and derives the
// items directory from its executable path.
func discoverItemsDir() (string, error) {
	procs, err := process.Processes()
	if err != nil {
		return "", fmt.Errorf("listing processes: %w", err)
	}
	for _, proc := range procs {
		name, err := proc.Name()
		if err != nil || !isHostProcess(name) {
			continue
		}
		exe, err := proc.Exe()
		if err != nil || exe == "" {
			continue
		}
		return itemsDirFor(exe), nil
	}
	return "", errors.New("application process not running, set item.items_dir explicitly")
}

func isHostProcess(name string) bool {
	return strings.TrimSuffix(name, ".exe") == hostProcessName
}

// itemsDirFor maps an executable path to the Unity data layout next to
// it: "<name>_Data/StreamingAssets/Items".
func itemsDirFor(exe string) string {
	base := strings.TrimSuffix(filepath.Base(exe), ".exe")
	return filepath.Join(filepath.Dir(exe), base+"_Data", "StreamingAssets", "Items")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("closing %s: %w", dst, err)
	}
	return nil
}

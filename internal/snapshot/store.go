// Package snapshot persists mesh state snapshots as YAML for operators.
package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/danmuck/peermesh/internal/mesh"
)

// Load reads a snapshot from disk. A missing file yields an empty snapshot.
func Load(path string) (*mesh.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &mesh.Snapshot{}, nil
		}
		return nil, err
	}

	var snap mesh.Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Save writes snap to path through a temp file and rename.
func Save(path string, snap mesh.Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Source produces the state to persist.
type Source interface {
	Snapshot() mesh.Snapshot
}

// Run saves src every interval of clk until ctx ends, then writes once more.
// A nil clk uses the wall clock.
func Run(ctx context.Context, path string, interval time.Duration, src Source, clk clock.Clock, log zerolog.Logger) {
	if clk == nil {
		clk = clock.New()
	}
	save := func() {
		if err := Save(path, src.Snapshot()); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("snapshot save failed")
			return
		}
		log.Debug().Str("path", path).Msg("snapshot saved")
	}

	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			save()
			return
		case <-ticker.C:
			save()
		}
	}
}

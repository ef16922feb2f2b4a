package config

import (
	"context"
	"fmt"
	"os"
	"time"
)

// stamp identifies one version of the config file on disk.
type stamp struct {
	mod  time.Time
	size int64
}

func (s stamp) same(o stamp) bool {
	return s.mod.Equal(o.mod) && s.size == o.size
}

func stampOf(path string) (stamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return stamp{}, err
	}
	return stamp{mod: info.ModTime(), size: info.Size()}, nil
}

// Watch checks path every interval and calls onUpdate with the reloaded
// config when its modification time or size changes. The first call happens
// only after a change. A version that fails to load is retried until it is
// fixed or replaced.
func Watch(ctx context.Context, path string, interval time.Duration, onUpdate func(*Config)) error {
	if path == "" {
		path = Path()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	seen, err := stampOf(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	go watchLoop(ctx, path, interval, seen, onUpdate)
	return nil
}

func watchLoop(ctx context.Context, path string, interval time.Duration, seen stamp, onUpdate func(*Config)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur, err := stampOf(path)
		if err != nil || cur.same(seen) {
			continue
		}
		cfg, err := Load(path)
		if err != nil {
			continue
		}
		seen = cur
		if onUpdate != nil {
			onUpdate(cfg)
		}
	}
}

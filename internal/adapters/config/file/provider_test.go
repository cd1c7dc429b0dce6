package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/pkg/config"
)

const initialYAML = `
server:
  port: 9090
identities:
  - token_hash: "aa"
    actor_id: "p1"
    role: pregoeiro
`

func TestNewProvider_EmptyPath(t *testing.T) {
	if _, err := NewProvider("", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestProvider_LoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(initialYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	p, err := NewProvider(path, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer p.Close()

	cfg, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 || len(cfg.Identities) != 1 {
		t.Fatalf("Load() = %+v", cfg)
	}
	if p.Current() != cfg {
		t.Errorf("Current() did not return the loaded config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *config.Config, 4)
	if err := p.Watch(ctx, func(c *config.Config) { changed <- c }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	updated := initialYAML + `  - token_hash: "bb"
    actor_id: "s1"
    role: supplier
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if len(c.Identities) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}

package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/tailor/internal/config"
	"github.com/ashureev/tailor/internal/contextstore"
	"github.com/ashureev/tailor/internal/store"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "chat"} {
		assert.True(t, names[name], "expected subcommand %q to be registered", name)
	}
}

func TestChatRequiresMaterials(t *testing.T) {
	cmd := buildRootCmd()
	cmd.SetArgs([]string{"chat", "--document", "resume.md"})
	cmd.SilenceErrors = true

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")
}

func TestAllowedOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, allowedOrigins(&config.Config{}))
	assert.Equal(t, []string{"*"}, allowedOrigins(&config.Config{FrontendURL: "http://localhost:5173"}))
	assert.Equal(t, []string{"https://tailor.example.com"}, allowedOrigins(&config.Config{FrontendURL: "https://tailor.example.com"}))
}

func TestOpenContexts(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "tailor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cfg := &config.Config{SessionTTL: time.Hour}
	cfg.Context.MaxSnapshots = 4
	cfg.Context.MaxSnapshotBytes = 1 << 20

	cfg.Context.Backend = "sqlite"
	p, err := openContexts(context.Background(), cfg, repo)
	require.NoError(t, err)
	assert.IsType(t, &contextstore.Durable{}, p)

	cfg.Context.Backend = "memory"
	p, err = openContexts(context.Background(), cfg, repo)
	require.NoError(t, err)
	assert.IsType(t, &contextstore.Memory{}, p)

	cfg.Context.Backend = "etcd"
	_, err = openContexts(context.Background(), cfg, repo)
	assert.Error(t, err)
}

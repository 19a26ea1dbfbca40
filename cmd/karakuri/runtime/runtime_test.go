package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/ingress"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_WithMethods(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{}

	builder := NewRuntimeBuilder().
		WithContext(ctx).
		WithConfig(cfg).
		WithWorkspace("ws-" + t.Name())

	impl, ok := builder.(*DefaultRuntimeBuilder)
	require.True(t, ok)
	assert.Equal(t, ctx, impl.ctx)
	assert.Same(t, cfg, impl.cfg)
	assert.Equal(t, "ws-"+t.Name(), impl.workspaceID)
}

func TestBuilder_Build_MissingConfig(t *testing.T) {
	_, err := NewRuntimeBuilder().WithContext(context.Background()).Build()
	assert.Error(t, err)
}

func TestBuildOpensWorkspace(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{
		Store:  config.StoreConfig{Driver: "sqlite"},
		Daemon: config.DaemonConfig{WorkspacePath: root},
	}

	r, err := NewRuntimeBuilder().WithConfig(cfg).WithWorkspace("ws1").Build()
	require.NoError(t, err)

	_, err = r.Engine.SubmitEvent(context.Background(), ingress.Submission{SourceID: "github", ExternalID: "1"})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = os.Stat(filepath.Join(root, "ws1", "karakuri.db"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "ws1", "idempotency.json"))
	assert.NoError(t, err, "dedup keys persisted on close")

	r, err = NewRuntimeBuilder().WithConfig(cfg).WithWorkspace("ws1").Build()
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Engine.SubmitEvent(context.Background(), ingress.Submission{SourceID: "github", ExternalID: "1"})
	assert.Error(t, err, "replay rejected across CLI invocations")
}

func TestResolveWorkspaceID(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().StringP("workspace", "w", "", "Target workspace ID")
	assert.Equal(t, DefaultWorkspaceID, ResolveWorkspaceID(cmd))

	require.NoError(t, cmd.Flags().Set("workspace", "custom"))
	assert.Equal(t, "custom", ResolveWorkspaceID(cmd))
}

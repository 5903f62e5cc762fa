package scripting

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOnPortalWithoutHookKeepsDestination(t *testing.T) {
	e, err := NewEngine(filepath.Join(t.TempDir(), "missing"), zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	assert.False(t, e.HasPortalHook())
	res := e.OnPortal(PortalContext{PortalID: 1, CharacterID: 7, DstMapID: 10, Channel: 3})
	assert.Equal(t, PortalResult{MapID: 10, Channel: 3}, res)

	res = e.OnPortal(PortalContext{PortalID: 2, CharacterID: 7, DstMapID: 20, Instanced: true})
	assert.Equal(t, int32(7), res.OwnerID)
}

func TestOnPortalOverrides(t *testing.T) {
	dir := t.TempDir()
	src := `
function on_portal(ctx)
  if ctx.portal_id == 9 then
    return { deny = true }
  end
  if ctx.instanced then
    return { instance_id = ctx.portal_id * 100, channel = 2 }
  end
  return nil
end
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "portal.lua"), []byte(src), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	e, err := NewEngine(dir, zap.NewNop())
	require.NoError(t, err)
	defer e.Close()
	require.True(t, e.HasPortalHook())

	assert.True(t, e.OnPortal(PortalContext{PortalID: 9, DstMapID: 4}).Deny)

	res := e.OnPortal(PortalContext{PortalID: 5, CharacterID: 42, DstMapID: 30, Instanced: true})
	assert.Equal(t, PortalResult{MapID: 30, Channel: 2, InstanceID: 500, OwnerID: 42}, res)

	res = e.OnPortal(PortalContext{PortalID: 6, DstMapID: 4, Channel: 1})
	assert.Equal(t, PortalResult{MapID: 4, Channel: 1}, res)
}

func TestOnPortalErrorKeepsDefault(t *testing.T) {
	e, err := NewEngineFromString(`function on_portal(ctx) error("boom") end`, zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	res := e.OnPortal(PortalContext{PortalID: 1, DstMapID: 12, Channel: 4})
	assert.Equal(t, PortalResult{MapID: 12, Channel: 4}, res)
}

func TestBadScriptFailsToLoad(t *testing.T) {
	_, err := NewEngineFromString(`function (`, zap.NewNop())
	assert.Error(t, err)
}

package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine wraps a single gopher-lua VM. Sessions call into it from their
// own goroutines, so every call holds mu.
type Engine struct {
	mu  sync.Mutex
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads every .lua file in scriptsDir.
// A missing directory yields an engine with no hooks.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState()
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}
	if scriptsDir != "" {
		if err := e.loadDir(scriptsDir); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load scripts: %w", err)
		}
	}
	return e, nil
}

// NewEngineFromString loads a single chunk of Lua source.
func NewEngineFromString(src string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState()
	vm.SetGlobal("API_VERSION", lua.LNumber(1))
	if err := vm.DoString(src); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load script: %w", err)
	}
	return &Engine{vm: vm, log: log}, nil
}

func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// HasPortalHook reports whether on_portal is defined.
func (e *Engine) HasPortalHook() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vm.GetGlobal("on_portal") != lua.LNil
}

// PortalContext describes a portal request handed to on_portal.
type PortalContext struct {
	PortalID    int32
	AccountID   int32
	CharacterID int32
	SrcMapID    int32
	DstMapID    int32
	Channel     int32 // destination channel resolved so far, 0 if local
	Instanced   bool
}

// PortalResult is the destination after the hook ran.
type PortalResult struct {
	Deny       bool
	MapID      int32
	Channel    int32
	InstanceID int32
	OwnerID    int32
}

// OnPortal calls on_portal(ctx). The hook may return nil to keep the
// table's destination, or a table overriding any of deny, map_id, channel,
// instance_id and owner_id. Hook errors keep the default destination.
func (e *Engine) OnPortal(ctx PortalContext) PortalResult {
	res := PortalResult{MapID: ctx.DstMapID, Channel: ctx.Channel}
	if ctx.Instanced {
		res.OwnerID = ctx.CharacterID
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fn := e.vm.GetGlobal("on_portal")
	if fn == lua.LNil {
		return res
	}

	t := e.vm.NewTable()
	t.RawSetString("portal_id", lua.LNumber(ctx.PortalID))
	t.RawSetString("account_id", lua.LNumber(ctx.AccountID))
	t.RawSetString("character_id", lua.LNumber(ctx.CharacterID))
	t.RawSetString("src_map_id", lua.LNumber(ctx.SrcMapID))
	t.RawSetString("dst_map_id", lua.LNumber(ctx.DstMapID))
	t.RawSetString("channel", lua.LNumber(ctx.Channel))
	t.RawSetString("instanced", lua.LBool(ctx.Instanced))

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, t); err != nil {
		e.log.Error("lua on_portal error", zap.Int32("portal", ctx.PortalID), zap.Error(err))
		return res
	}

	result := e.vm.Get(-1)
	e.vm.Pop(1)

	rt, ok := result.(*lua.LTable)
	if !ok {
		return res
	}
	if rt.RawGetString("deny") == lua.LTrue {
		res.Deny = true
		return res
	}
	if v, ok := lInt(rt, "map_id"); ok {
		res.MapID = int32(v)
	}
	if v, ok := lInt(rt, "channel"); ok {
		res.Channel = int32(v)
	}
	if v, ok := lInt(rt, "instance_id"); ok {
		res.InstanceID = int32(v)
	}
	if v, ok := lInt(rt, "owner_id"); ok {
		res.OwnerID = int32(v)
	}
	return res
}

// lInt reads an integer field from a Lua table; ok is false when absent.
func lInt(t *lua.LTable, key string) (int, bool) {
	v := t.RawGetString(key)
	if v == lua.LNil {
		return 0, false
	}
	return int(lua.LVAsNumber(v)), true
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm.Close()
}

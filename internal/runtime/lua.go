package runtime

import (
	"context"
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"

	"kestrel/pkg/models"
)

// LuaConfig tunes the scripting backend.
type LuaConfig struct {
	Pool PoolPolicy
}

const luaEventType = "kestrel.event"

// luaBackend compiles Lua predicate scripts. A script must define
// eval(event) returning a boolean and may define capture(event) returning
// a table. The sandbox opens only the base, table, string and math
// libraries and exposes the event through whitelisted typed getters; no
// filesystem, network or process access is reachable from script code.
type luaBackend struct {
	cfg LuaConfig
}

// NewLuaBackend creates the scripting backend.
func NewLuaBackend(cfg LuaConfig) Backend {
	return &luaBackend{cfg: cfg}
}

func (b *luaBackend) Name() string { return BackendLua }

func (b *luaBackend) Compile(src Source) (Program, error) {
	script := string(src.Predicate)

	// Compile once up front so a bad script is rejected at load time.
	probe, err := newLuaInstance(src.RuleID, script)
	if err != nil {
		return nil, err
	}

	prog := &luaProgram{ruleID: src.RuleID}
	prog.pool = newInstancePool(b.cfg.Pool,
		func() (*luaInstance, error) {
			return newLuaInstance(src.RuleID, script)
		},
		func(inst *luaInstance) { inst.state.Close() },
	)
	prog.pool.seed(probe)
	return prog, nil
}

// luaProgram is a compiled script with a bounded pool of interpreter
// states. LStates are not safe for concurrent use, so every evaluation
// checks one out.
type luaProgram struct {
	ruleID string
	pool   *instancePool[*luaInstance]
}

func (p *luaProgram) Backend() string { return BackendLua }

func (p *luaProgram) Eval(ctx context.Context, ev *models.Event) (bool, error) {
	inst, err := p.pool.acquire(ctx)
	if err != nil {
		return false, &Fault{Backend: BackendLua, RuleID: p.ruleID, Kind: FaultPool, Err: err}
	}

	ret, err := inst.call(ctx, inst.evalFn, ev)
	if err != nil {
		// The interpreter stack may be inconsistent after an abort.
		p.pool.discard(inst)
		return false, err
	}
	p.pool.release(inst)

	matched, ok := ret.(lua.LBool)
	if !ok {
		return false, &Fault{
			Backend: BackendLua,
			RuleID:  p.ruleID,
			Kind:    FaultType,
			Err:     fmt.Errorf("eval returned %s, want boolean", ret.Type()),
		}
	}
	return bool(matched), nil
}

func (p *luaProgram) Capture(ctx context.Context, ev *models.Event) (map[string]models.TypedValue, error) {
	inst, err := p.pool.acquire(ctx)
	if err != nil {
		return nil, &Fault{Backend: BackendLua, RuleID: p.ruleID, Kind: FaultPool, Err: err}
	}
	if inst.captureFn == lua.LNil {
		p.pool.release(inst)
		return nil, nil
	}

	ret, err := inst.call(ctx, inst.captureFn, ev)
	if err != nil {
		p.pool.discard(inst)
		return nil, err
	}

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		p.pool.release(inst)
		return nil, &Fault{
			Backend: BackendLua,
			RuleID:  p.ruleID,
			Kind:    FaultType,
			Err:     fmt.Errorf("capture returned %s, want table", ret.Type()),
		}
	}

	fields := make(map[string]models.TypedValue)
	tbl.ForEach(func(k, v lua.LValue) {
		fields[lua.LVAsString(k)] = typedFromLua(v)
	})
	p.pool.release(inst)
	return fields, nil
}

func (p *luaProgram) Close() {
	p.pool.close()
}

// luaInstance is one sandboxed interpreter with the rule script loaded.
type luaInstance struct {
	state     *lua.LState
	evalFn    lua.LValue
	captureFn lua.LValue
}

func newLuaInstance(ruleID, script string) (*luaInstance, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	// Base opens a few escape hatches; shut them.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "print"} {
		L.SetGlobal(name, lua.LNil)
	}

	mt := L.NewTypeMetatable(luaEventType)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), luaEventMethods))

	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, &CompileError{
			Backend: BackendLua,
			RuleID:  ruleID,
			Diag:    err.Error(),
			Err:     err,
		}
	}

	evalFn := L.GetGlobal("eval")
	if evalFn.Type() != lua.LTFunction {
		L.Close()
		return nil, &CompileError{
			Backend: BackendLua,
			RuleID:  ruleID,
			Diag:    "script must define eval(event)",
		}
	}
	captureFn := L.GetGlobal("capture")
	if captureFn.Type() != lua.LTFunction {
		captureFn = lua.LNil
	}

	return &luaInstance{state: L, evalFn: evalFn, captureFn: captureFn}, nil
}

func (i *luaInstance) call(ctx context.Context, fn lua.LValue, ev *models.Event) (lua.LValue, error) {
	L := i.state
	L.SetContext(ctx)
	defer L.RemoveContext()

	ud := L.NewUserData()
	ud.Value = ev
	L.SetMetatable(ud, L.GetTypeMetatable(luaEventType))

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, ud); err != nil {
		return nil, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

func checkLuaEvent(L *lua.LState) *models.Event {
	ud := L.CheckUserData(1)
	ev, ok := ud.Value.(*models.Event)
	if !ok {
		L.ArgError(1, "event expected")
		return nil
	}
	return ev
}

func luaFieldID(L *lua.LState) models.FieldID {
	return models.FieldID(L.CheckInt(2))
}

var luaEventMethods = map[string]lua.LGFunction{
	"str": func(L *lua.LState) int {
		ev := checkLuaEvent(L)
		if v, ok := ev.Get(luaFieldID(L)); ok {
			if s, ok := v.AsString(); ok {
				L.Push(lua.LString(s))
				return 1
			}
		}
		L.Push(lua.LNil)
		return 1
	},
	"i64": func(L *lua.LState) int {
		ev := checkLuaEvent(L)
		if v, ok := ev.Get(luaFieldID(L)); ok {
			if n, ok := v.AsInt(); ok {
				L.Push(lua.LNumber(n))
				return 1
			}
		}
		L.Push(lua.LNil)
		return 1
	},
	"u64": func(L *lua.LState) int {
		ev := checkLuaEvent(L)
		if v, ok := ev.Get(luaFieldID(L)); ok {
			if n, ok := v.AsUint(); ok {
				L.Push(lua.LNumber(n))
				return 1
			}
		}
		L.Push(lua.LNil)
		return 1
	},
	"bool": func(L *lua.LState) int {
		ev := checkLuaEvent(L)
		if v, ok := ev.Get(luaFieldID(L)); ok {
			if b, ok := v.AsBool(); ok {
				L.Push(lua.LBool(b))
				return 1
			}
		}
		L.Push(lua.LNil)
		return 1
	},
	"blob": func(L *lua.LState) int {
		ev := checkLuaEvent(L)
		if v, ok := ev.Get(luaFieldID(L)); ok {
			if b, ok := v.AsBytes(); ok {
				L.Push(lua.LString(string(b)))
				return 1
			}
		}
		L.Push(lua.LNil)
		return 1
	},
	"has": func(L *lua.LState) int {
		ev := checkLuaEvent(L)
		L.Push(lua.LBool(ev.Has(luaFieldID(L))))
		return 1
	},
	"event_type": func(L *lua.LState) int {
		ev := checkLuaEvent(L)
		L.Push(lua.LNumber(ev.EventType))
		return 1
	},
	"ts": func(L *lua.LState) int {
		ev := checkLuaEvent(L)
		L.Push(lua.LNumber(ev.TsMonoNs))
		return 1
	},
	"entity": func(L *lua.LState) int {
		ev := checkLuaEvent(L)
		L.Push(lua.LString(ev.Entity.Hex()))
		return 1
	},
	"source": func(L *lua.LState) int {
		ev := checkLuaEvent(L)
		L.Push(lua.LString(ev.Source))
		return 1
	},
}

func typedFromLua(v lua.LValue) models.TypedValue {
	switch val := v.(type) {
	case lua.LString:
		return models.StringValue(string(val))
	case lua.LBool:
		return models.BoolValue(bool(val))
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) {
			return models.IntValue(int64(f))
		}
		return models.StringValue(val.String())
	default:
		return models.StringValue(v.String())
	}
}

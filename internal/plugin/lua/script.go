package lua

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/keyproxy/internal/engine/delta"
)

// Host is the set of host services exposed to scripts.
type Host interface {
	Log(level, msg string)
	BufferText(id uint64) (text string, revision uint64, err error)
}

// Option configures a Script.
type Option func(*Script)

// WithQueueSize sets how many calls may wait for the executor.
func WithQueueSize(n int) Option {
	return func(s *Script) {
		s.queueSize = n
	}
}

// Script is a loaded Lua plugin.
type Script struct {
	name      string
	path      string
	host      Host
	queueSize int

	exec *executor

	// handlers is only touched on the executor goroutine.
	handlers *lua.LTable
}

// Load creates a sandboxed state, runs the script at path and keeps the
// handler table it returns.
func Load(ctx context.Context, name, path string, host Host, opts ...Option) (*Script, error) {
	s := &Script{name: name, path: path, host: host}
	for _, opt := range opts {
		opt(s)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	if err := openSafeLibraries(L); err != nil {
		L.Close()
		return nil, err
	}

	s.exec = newExecutor(L, s.queueSize)
	go s.exec.run()

	err := s.exec.do(ctx, func(L *lua.LState) error {
		s.install(L)

		fn, err := L.LoadFile(path)
		if err != nil {
			return err
		}
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
			return err
		}
		ret := L.Get(-1)
		L.Pop(1)

		tbl, ok := ret.(*lua.LTable)
		if !ok {
			return ErrNoHandlers
		}
		s.handlers = tbl
		return nil
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return s, nil
}

// openSafeLibraries opens base, table, string and math, then removes the
// base functions that load code from disk or strings.
func openSafeLibraries(L *lua.LState) error {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("open %s: %w", lib.name, err)
		}
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return nil
}

func (s *Script) install(L *lua.LState) {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"log":         s.luaLog,
		"buffer_text": s.luaBufferText,
		"apply":       luaApply,
		"compose":     luaCompose,
	})
	mod.RawSetString("name", lua.LString(s.name))
	L.SetGlobal("keyproxy", mod)

	// stdout carries the protocol
	L.SetGlobal("print", L.NewFunction(s.luaPrint))
}

// Name returns the plugin name.
func (s *Script) Name() string {
	return s.name
}

// Call invokes the handler named method with params converted to a table.
// A script without such a handler acknowledges the call without running
// anything.
func (s *Script) Call(ctx context.Context, method string, params any) error {
	return s.exec.do(ctx, func(L *lua.LState) error {
		fn, ok := L.GetField(s.handlers, method).(*lua.LFunction)
		if !ok {
			return nil
		}
		arg, err := paramsToLua(L, params)
		if err != nil {
			return err
		}
		return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, arg)
	})
}

// Done is closed once the script's state has been released.
func (s *Script) Done() <-chan struct{} {
	return s.exec.exited
}

// Close stops the executor and releases the state. Pending calls fail with
// ErrClosed.
func (s *Script) Close() {
	s.exec.close()
	s.exec.wait()
}

func (s *Script) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	level := L.OptString(2, "info")
	if s.host != nil {
		s.host.Log(level, msg)
	}
	return 0
}

func (s *Script) luaPrint(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	if s.host != nil {
		s.host.Log("info", strings.Join(parts, "\t"))
	}
	return 0
}

func (s *Script) luaBufferText(L *lua.LState) int {
	id := uint64(L.CheckNumber(1))
	if s.host == nil {
		L.Push(lua.LNil)
		L.Push(lua.LString("no host"))
		return 2
	}
	text, rev, err := s.host.BufferText(id)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(text))
	L.Push(lua.LNumber(rev))
	return 2
}

// luaApply applies a delta table to a string: keyproxy.apply(text, delta).
func luaApply(L *lua.LState) int {
	text := L.CheckString(1)
	tbl := L.CheckTable(2)

	d, err := deltaFromTable(tbl)
	if err == nil {
		text, err = d.ApplyString(text)
	}
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(text))
	return 1
}

// luaCompose combines two deltas into one that applies both in order:
// keyproxy.compose(first, second).
func luaCompose(L *lua.LState) int {
	first, err := deltaFromTable(L.CheckTable(1))
	var second, both delta.Delta
	if err == nil {
		second, err = deltaFromTable(L.CheckTable(2))
	}
	if err == nil {
		both, err = delta.Compose(first, second)
	}
	var out lua.LValue
	if err == nil {
		out, err = paramsToLua(L, both)
	}
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(out)
	return 1
}

func deltaFromTable(tbl *lua.LTable) (delta.Delta, error) {
	var d delta.Delta
	data, err := json.Marshal(toGo(tbl))
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, err
	}
	return d, nil
}

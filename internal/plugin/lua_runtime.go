package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	plua "github.com/dshills/keyproxy/internal/plugin/lua"
)

// SpawnLua loads desc's script into an embedded Lua state.
func SpawnLua(ctx context.Context, desc *Description, env Env) (Instance, error) {
	host := &luaHost{name: desc.Name, env: env, log: env.Logger.With("plugin", desc.Name)}
	script, err := plua.Load(ctx, desc.Name, desc.Command(), host)
	if err != nil {
		return nil, &SpawnError{Plugin: desc.Name, Path: desc.Command(), Err: err}
	}
	return &luaInstance{script: script}, nil
}

type luaInstance struct {
	script *plua.Script
}

func (l *luaInstance) Deliver(ctx context.Context, ev Event) error {
	return l.script.Call(ctx, ev.Method(), ev.Params())
}

func (l *luaInstance) Done() <-chan struct{} {
	return l.script.Done()
}

func (l *luaInstance) Err() error {
	select {
	case <-l.script.Done():
		return fmt.Errorf("%w: lua state closed", ErrUnexpectedExit)
	default:
		return nil
	}
}

func (l *luaInstance) Stop(time.Duration) error {
	l.script.Close()
	return nil
}

// luaHost adapts Env to the services scripts can call.
type luaHost struct {
	name string
	env  Env
	log  *log.Logger
}

func (h *luaHost) Log(level, msg string) {
	h.log.Log(parseLevel(level), msg)
	if h.env.Diagnose != nil {
		h.env.Diagnose(Diagnostic{Kind: DiagLog, Plugin: h.name, Message: msg})
	}
}

func (h *luaHost) BufferText(id uint64) (string, uint64, error) {
	if h.env.Host == nil {
		return "", 0, fmt.Errorf("buffer %d: no host", id)
	}
	return h.env.Host.BufferText(id)
}

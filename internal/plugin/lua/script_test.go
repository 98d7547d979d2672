package lua

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	mu    sync.Mutex
	logs  []string
	texts map[uint64]string
}

func (h *fakeHost) Log(level, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = append(h.logs, level+":"+msg)
}

func (h *fakeHost) BufferText(id uint64) (string, uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	text, ok := h.texts[id]
	if !ok {
		return "", 0, errors.New("buffer not found")
	}
	return text, 7, nil
}

func (h *fakeHost) lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.logs...)
}

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "init.lua")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func loadScript(t *testing.T, src string, host Host) *Script {
	t.Helper()
	s, err := Load(context.Background(), "test", writeScript(t, src), host)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestLoadRequiresHandlerTable(t *testing.T) {
	_, err := Load(context.Background(), "bad", writeScript(t, `return 42`), nil)
	require.ErrorIs(t, err, ErrNoHandlers)
}

func TestLoadSyntaxError(t *testing.T) {
	_, err := Load(context.Background(), "bad", writeScript(t, `return {`), nil)
	require.Error(t, err)
}

func TestCallHandler(t *testing.T) {
	host := &fakeHost{}
	s := loadScript(t, `
		return {
		  new_buffer = function(ev)
		    keyproxy.log(keyproxy.name .. " opened " .. ev.buffer_id .. " " .. ev.content)
		  end,
		}
	`, host)

	err := s.Call(context.Background(), "new_buffer", map[string]any{"buffer_id": 3, "content": "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"info:test opened 3 hi"}, host.lines())
}

func TestCallMissingHandlerIsNoop(t *testing.T) {
	s := loadScript(t, `return {}`, nil)
	require.NoError(t, s.Call(context.Background(), "update", map[string]any{"buffer_id": 1}))
	require.NoError(t, s.Call(context.Background(), "close_buffer", nil))
}

func TestCallRuntimeError(t *testing.T) {
	s := loadScript(t, `return { update = function(ev) error("boom") end }`, nil)
	err := s.Call(context.Background(), "update", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// The state survives a failed handler.
	require.NoError(t, s.Call(context.Background(), "close_buffer", nil))
}

func TestCallTimeout(t *testing.T) {
	s := loadScript(t, `return { update = function(ev) while true do end end }`, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Call(ctx, "update", map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBufferTextAndApply(t *testing.T) {
	host := &fakeHost{texts: map[uint64]string{1: "hello "}}
	s := loadScript(t, `
		return {
		  update = function(ev)
		    local text, rev = keyproxy.buffer_text(ev.buffer_id)
		    local out = keyproxy.apply(text, ev.delta)
		    keyproxy.log(out .. "@" .. rev, "debug")
		    local none, err = keyproxy.buffer_text(99)
		    keyproxy.log(tostring(none) .. " " .. err, "warn")
		  end,
		}
	`, host)

	params := map[string]any{
		"buffer_id": 1,
		"delta": map[string]any{
			"base_len": 6,
			"ops":      []any{map[string]any{"copy": []int{0, 6}}, map[string]any{"insert": "world"}},
		},
	}
	require.NoError(t, s.Call(context.Background(), "update", params))
	assert.Equal(t, []string{"debug:hello world@7", "warn:nil buffer not found"}, host.lines())
}

func TestComposeDeltas(t *testing.T) {
	host := &fakeHost{}
	s := loadScript(t, `
		return {
		  update = function(ev)
		    local bang = { base_len = 11, ops = { { copy = { 0, 11 } }, { insert = "!" } } }
		    local both = keyproxy.compose(ev.delta, bang)
		    keyproxy.log(keyproxy.apply("hello ", both) .. " " .. both.new_len)
		    local none, err = keyproxy.compose(bang, bang)
		    keyproxy.log(tostring(none) .. " " .. err, "warn")
		  end,
		}
	`, host)

	params := map[string]any{
		"buffer_id": 1,
		"delta": map[string]any{
			"base_len": 6,
			"ops":      []any{map[string]any{"copy": []int{0, 6}}, map[string]any{"insert": "world"}},
		},
	}
	require.NoError(t, s.Call(context.Background(), "update", params))

	lines := host.lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "info:hello world! 12", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "warn:nil "), lines[1])
}

func TestPrintGoesToHostLog(t *testing.T) {
	host := &fakeHost{}
	s := loadScript(t, `return { close_buffer = function(ev) print("bye", ev.buffer_id) end }`, host)
	require.NoError(t, s.Call(context.Background(), "close_buffer", map[string]any{"buffer_id": 2}))
	assert.Equal(t, []string{"info:bye\t2"}, host.lines())
}

func TestSandboxRemovesLoaders(t *testing.T) {
	s := loadScript(t, `
		return {
		  update = function(ev)
		    if dofile ~= nil or loadfile ~= nil or load ~= nil or os ~= nil or io ~= nil then
		      error("unsafe global present")
		    end
		  end,
		}
	`, nil)
	require.NoError(t, s.Call(context.Background(), "update", nil))
}

func TestCloseFailsPendingCalls(t *testing.T) {
	s, err := Load(context.Background(), "test", writeScript(t, `return {}`), nil)
	require.NoError(t, err)
	s.Close()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	require.ErrorIs(t, s.Call(context.Background(), "update", nil), ErrClosed)
}

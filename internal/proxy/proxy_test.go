package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/keyproxy/internal/config"
	"github.com/dshills/keyproxy/internal/plugin"
	"github.com/dshills/keyproxy/internal/rpc"
)

// recorder is an in-memory plugin instance.
type recorder struct {
	mu     sync.Mutex
	events []plugin.Event
	done   chan struct{}
	once   sync.Once
}

func (r *recorder) Deliver(_ context.Context, ev plugin.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Done() <-chan struct{} { return r.done }
func (r *recorder) Err() error            { return plugin.ErrUnexpectedExit }

func (r *recorder) Stop(time.Duration) error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func (r *recorder) received() []plugin.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]plugin.Event(nil), r.events...)
}

// recorders spawns a recorder per plugin name, except for plugins named
// "broken", which go through the real process spawner.
type recorders struct {
	mu   sync.Mutex
	byID map[string]*recorder
}

func (rs *recorders) spawn(ctx context.Context, desc *plugin.Description, env plugin.Env) (plugin.Instance, error) {
	if desc.Name == "broken" {
		return plugin.SpawnProcess(ctx, desc, env)
	}
	r := &recorder{done: make(chan struct{})}
	rs.mu.Lock()
	rs.byID[desc.Name] = r
	rs.mu.Unlock()
	return r, nil
}

func (rs *recorders) get(name string) *recorder {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.byID[name]
}

type client struct {
	t      *testing.T
	in     *io.PipeWriter
	lines  chan string
	notifs chan *rpc.Notification
	resps  chan *rpc.Response
}

type harness struct {
	p    *Proxy
	c    *client
	rs   *recorders
	dir  string
	errc chan error
}

func writePlugin(t *testing.T, dir, name string) {
	t.Helper()
	pdir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(pdir, 0o755))
	body := fmt.Sprintf("name = %q\nversion = \"1.0.0\"\nexec_path = \"bin/%s\"\n", name, name)
	require.NoError(t, os.WriteFile(filepath.Join(pdir, plugin.ManifestTOML), []byte(body), 0o644))
}

func newHarness(t *testing.T, plugins ...string) *harness {
	t.Helper()

	dir := t.TempDir()
	for _, name := range plugins {
		writePlugin(t, dir, name)
	}

	cfg := DefaultConfig()
	cfg.Plugins.Paths = []string{dir}
	cfg.Plugins.StopGrace = 100 * time.Millisecond
	cfg.Plugins.Restart.MaxRestarts = 1
	cfg.Plugins.Restart.InitialBackoff = time.Millisecond
	cfg.Plugins.Restart.MaxBackoff = 5 * time.Millisecond

	rs := &recorders{byID: make(map[string]*recorder)}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	p := New(inR, outW, cfg,
		WithSessionID("test-session"),
		WithCatalogOptions(plugin.WithSpawner(plugin.RuntimeProcess, rs.spawn)),
	)

	c := &client{
		t:      t,
		in:     inW,
		lines:  make(chan string, 64),
		notifs: make(chan *rpc.Notification, 64),
		resps:  make(chan *rpc.Response, 64),
	}
	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			line := sc.Text()
			m, err := rpc.Decode([]byte(line))
			if err != nil {
				continue
			}
			switch v := m.(type) {
			case *rpc.Response:
				c.lines <- line
				c.resps <- v
			case *rpc.Notification:
				c.notifs <- v
			}
		}
	}()

	h := &harness{p: p, c: c, rs: rs, dir: dir, errc: make(chan error, 1)}
	go func() { h.errc <- p.Serve(context.Background()) }()

	t.Cleanup(func() {
		inW.Close()
		select {
		case <-h.errc:
		case <-time.After(3 * time.Second):
			t.Error("proxy did not stop")
		}
		outR.Close()
	})
	return h
}

func (c *client) send(frame string) {
	c.t.Helper()
	_, err := c.in.Write([]byte(frame + "\n"))
	require.NoError(c.t, err)
}

func (c *client) response() *rpc.Response {
	c.t.Helper()
	select {
	case r := <-c.resps:
		<-c.lines
		return r
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for response")
		return nil
	}
}

func (c *client) rawResponse() string {
	c.t.Helper()
	select {
	case line := <-c.lines:
		<-c.resps
		return line
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for response")
		return ""
	}
}

func (c *client) call(id int, method, params string) *rpc.Response {
	c.t.Helper()
	c.send(fmt.Sprintf(`{"id":%d,"method":%q,"params":%s}`, id, method, params))
	resp := c.response()
	require.Equal(c.t, uint64(id), resp.ID)
	return resp
}

func (c *client) result(id int, method, params string, v any) {
	c.t.Helper()
	resp := c.call(id, method, params)
	require.Nil(c.t, resp.Error, "%s failed: %v", method, resp.Error)
	if v != nil {
		require.NoError(c.t, json.Unmarshal(resp.Result, v))
	}
}

func (c *client) errorCode(id int, method, params string) int {
	c.t.Helper()
	resp := c.call(id, method, params)
	require.NotNil(c.t, resp.Error)
	return resp.Error.Code
}

func (c *client) text(id int, buf uint64) string {
	c.t.Helper()
	var res struct {
		Text string `json:"text"`
	}
	c.result(id, MethodBufferText, fmt.Sprintf(`{"buffer_id":%d}`, buf), &res)
	return res.Text
}

func TestNewBufferScenario(t *testing.T) {
	h := newHarness(t)

	h.c.send(`{"id":1,"method":"new_buffer","params":{"content":"hello "}}`)
	assert.JSONEq(t, `{"id":1,"result":{"buffer_id":1}}`, h.c.rawResponse())

	assert.Equal(t, "hello ", h.c.text(2, 1))
}

func TestApplyDeltaScenario(t *testing.T) {
	h := newHarness(t)
	h.c.result(1, MethodNewBuffer, `{"content":"hello "}`, nil)

	var res EditResult
	h.c.result(2, MethodApplyDelta,
		`{"buffer_id":1,"delta":{"base_len":6,"new_len":11,"ops":[{"copy":[0,6]},{"insert":"world"}]}}`, &res)

	assert.Equal(t, EditResult{Revision: 1, Len: 11, LineCount: 1, MaxLineLen: 11}, res)
	assert.Equal(t, "hello world", h.c.text(3, 1))
}

func TestDeltaMismatchLeavesBuffer(t *testing.T) {
	h := newHarness(t)
	h.c.result(1, MethodNewBuffer, `{"content":"abc"}`, nil)

	code := h.c.errorCode(2, MethodApplyDelta, `{"buffer_id":1,"delta":{"base_len":9,"ops":[{"insert":"x"}]}}`)
	assert.Equal(t, rpc.CodeDeltaMismatch, code)
	assert.Equal(t, "abc", h.c.text(3, 1))
}

func TestSplitRuneDeltaRejected(t *testing.T) {
	h := newHarness(t)
	h.c.result(1, MethodNewBuffer, `{"content":"é!"}`, nil)

	code := h.c.errorCode(2, MethodApplyDelta, `{"buffer_id":1,"delta":{"base_len":3,"ops":[{"copy":[0,1]},{"copy":[2,3]}]}}`)
	assert.Equal(t, rpc.CodeInvalidParams, code)
	assert.Equal(t, "é!", h.c.text(3, 1))
}

func TestErrorCodes(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, rpc.CodeBufferNotFound, h.c.errorCode(1, MethodBufferText, `{"buffer_id":42}`))
	assert.Equal(t, rpc.CodeInvalidParams, h.c.errorCode(2, MethodApplyDelta, `{"buffer_id":"one"}`))
	assert.Equal(t, rpc.CodeMethodNotFound, h.c.errorCode(3, "no_such_method", `{}`))
}

func TestUnknownNotificationIgnored(t *testing.T) {
	h := newHarness(t)

	h.c.send(`{"method":"no_such_method","params":{}}`)
	h.c.result(7, MethodNewBuffer, `{}`, nil)
	assert.Empty(t, h.c.resps)
}

func TestUndoRedo(t *testing.T) {
	h := newHarness(t, "alpha")
	h.c.result(1, MethodNewBuffer, `{"content":"hello "}`, nil)
	h.c.result(2, MethodApplyDelta, `{"buffer_id":1,"delta":{"base_len":6,"ops":[{"copy":[0,6]},{"insert":"world"}]}}`, nil)

	var res EditResult
	h.c.result(3, MethodUndo, `{"buffer_id":1}`, &res)
	assert.Equal(t, 6, res.Len)
	assert.Equal(t, uint64(2), res.Revision)
	assert.Equal(t, "hello ", h.c.text(4, 1))

	assert.Equal(t, rpc.CodeNoHistory, h.c.errorCode(5, MethodUndo, `{"buffer_id":1}`))

	h.c.result(6, MethodRedo, `{"buffer_id":1}`, &res)
	assert.Equal(t, "hello world", h.c.text(7, 1))

	// Plugins see undo and redo as ordinary updates.
	r := h.rs.get("alpha")
	require.NotNil(t, r)
	require.Eventually(t, func() bool { return len(r.received()) == 4 }, 2*time.Second, 5*time.Millisecond)
	undo := r.received()[2]
	assert.Equal(t, plugin.EventUpdate, undo.Kind)
	got, err := undo.Delta.ApplyString("hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello ", got)
}

func TestUpdateNotification(t *testing.T) {
	h := newHarness(t)
	h.c.result(1, MethodNewBuffer, `{"content":"ab"}`, nil)

	h.c.send(`{"method":"update","params":{"buffer_id":1,"delta":{"base_len":2,"ops":[{"copy":[0,1]},{"insert":"X"},{"copy":[1,2]}]}}}`)
	// A failing update produces no response either.
	h.c.send(`{"method":"update","params":{"buffer_id":1,"delta":{"base_len":99,"ops":[]}}}`)

	assert.Equal(t, "aXb", h.c.text(2, 1))
}

func TestCloseBufferIdempotent(t *testing.T) {
	h := newHarness(t)
	h.c.result(1, MethodNewBuffer, `{"content":"x"}`, nil)

	h.c.result(2, MethodCloseBuffer, `{"buffer_id":1}`, nil)
	h.c.result(3, MethodCloseBuffer, `{"buffer_id":1}`, nil)
	assert.Equal(t, rpc.CodeBufferNotFound, h.c.errorCode(4, MethodBufferText, `{"buffer_id":1}`))
}

func TestOpenAndSave(t *testing.T) {
	h := newHarness(t)

	src := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(src, []byte("line one\nline two\n"), 0o644))

	var nb NewBufferResult
	h.c.result(1, MethodNewBuffer, fmt.Sprintf(`{"path":%q}`, src), &nb)
	assert.Equal(t, "line one\nline two\n", h.c.text(2, uint64(nb.BufferID)))

	dst := filepath.Join(t.TempDir(), "out.txt")
	var saved SaveResult
	h.c.result(3, MethodSaveBuffer, fmt.Sprintf(`{"buffer_id":%d,"path":%q}`, nb.BufferID, dst), &saved)
	assert.Equal(t, int64(18), saved.Bytes)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))
}

func TestOpenKeepsReceiptOrder(t *testing.T) {
	h := newHarness(t)

	src := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(src, []byte("abc"), 0o644))

	h.c.send(fmt.Sprintf(`{"id":1,"method":"new_buffer","params":{"path":%q}}`, src))
	h.c.send(`{"id":2,"method":"new_buffer","params":{"content":"xyz"}}`)
	h.c.send(`{"method":"update","params":{"buffer_id":1,"delta":{"base_len":3,"ops":[{"copy":[0,3]},{"insert":"!"}]}}}`)

	assert.JSONEq(t, `{"id":1,"result":{"buffer_id":1}}`, h.c.rawResponse())
	assert.JSONEq(t, `{"id":2,"result":{"buffer_id":2}}`, h.c.rawResponse())
	assert.Equal(t, "abc!", h.c.text(3, 1))
	assert.Equal(t, "xyz", h.c.text(4, 2))
}

func TestSaveWithoutPath(t *testing.T) {
	h := newHarness(t)
	h.c.result(1, MethodNewBuffer, `{"content":"x"}`, nil)
	assert.Equal(t, rpc.CodeInvalidParams, h.c.errorCode(2, MethodSaveBuffer, `{"buffer_id":1}`))
}

func TestOpenMissingFile(t *testing.T) {
	h := newHarness(t)
	code := h.c.errorCode(1, MethodNewBuffer, fmt.Sprintf(`{"path":%q}`, filepath.Join(h.dir, "absent")))
	assert.Equal(t, rpc.CodeInternalError, code)
}

func TestBufferEventsReachPlugins(t *testing.T) {
	h := newHarness(t, "alpha", "beta")

	h.c.result(1, MethodNewBuffer, `{"content":"hi"}`, nil)
	h.c.result(2, MethodApplyDelta, `{"buffer_id":1,"delta":{"base_len":2,"ops":[{"copy":[0,2]},{"insert":"!"}]}}`, nil)
	h.c.result(3, MethodCloseBuffer, `{"buffer_id":1}`, nil)

	for _, name := range []string{"alpha", "beta"} {
		r := h.rs.get(name)
		require.NotNil(t, r, name)
		require.Eventually(t, func() bool { return len(r.received()) == 3 }, 2*time.Second, 5*time.Millisecond)

		evs := r.received()
		assert.Equal(t, plugin.EventNewBuffer, evs[0].Kind)
		assert.Equal(t, "hi", evs[0].Content)
		assert.Equal(t, plugin.EventUpdate, evs[1].Kind)
		assert.Equal(t, uint64(1), evs[1].Revision)
		assert.Equal(t, plugin.EventCloseBuffer, evs[2].Kind)
	}
}

func TestMissingExecutableIsolated(t *testing.T) {
	h := newHarness(t, "broken", "good")

	var diag *rpc.Notification
	require.Eventually(t, func() bool {
		select {
		case n := <-h.c.notifs:
			var d DiagnosticParams
			if n.Method == MethodPluginDiagnostic && json.Unmarshal(n.Params, &d) == nil &&
				d.Plugin == "broken" && d.Kind == "spawn_failed" {
				diag = n
			}
		default:
		}
		return diag != nil
	}, 2*time.Second, 5*time.Millisecond)

	h.c.result(1, MethodNewBuffer, `{"content":"x"}`, nil)

	good := h.rs.get("good")
	require.NotNil(t, good)
	require.Eventually(t, func() bool { return len(good.received()) == 1 }, 2*time.Second, 5*time.Millisecond)

	var list []plugin.Status
	h.c.result(2, MethodListPlugins, `{}`, &list)
	require.Len(t, list, 2)
	assert.Equal(t, "broken", list[0].Name)
	assert.NotEqual(t, plugin.StateRunning, list[0].State)
	assert.Equal(t, "good", list[1].Name)
	assert.Equal(t, plugin.StateRunning, list[1].State)
}

func TestReloadPlugins(t *testing.T) {
	h := newHarness(t, "alpha")

	writePlugin(t, h.dir, "beta")

	var res ReloadResult
	h.c.result(1, MethodReloadPlugins, `{}`, &res)
	assert.Equal(t, 2, res.Count)
	assert.Empty(t, res.Errors)

	var again ReloadResult
	h.c.result(2, MethodReloadPlugins, `{}`, &again)
	assert.Equal(t, res, again)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)

	h.c.send(`{"method":"shutdown"}`)

	select {
	case err := <-h.errc:
		assert.NoError(t, err)
		h.errc <- err
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not stop the proxy")
	}
}

func TestServeReturnsNilOnEOF(t *testing.T) {
	h := newHarness(t)
	h.c.in.Close()

	select {
	case err := <-h.errc:
		assert.NoError(t, err)
		h.errc <- err
	case <-time.After(2 * time.Second):
		t.Fatal("proxy did not stop at end of input")
	}
}

func TestServeOnce(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.p.Serve(context.Background()), ErrAlreadyServed)
	assert.Equal(t, "test-session", h.p.Session())
}

func TestConfigFrom(t *testing.T) {
	c := config.Default()
	c.Workers = 3
	c.Framing = "header"
	c.Plugins.Dirs = []string{"/p"}
	c.Plugins.MaxRestarts = 7
	c.Plugins.Watch = true

	cfg := ConfigFrom(c)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, rpc.FramingHeader, cfg.Framing)
	assert.Equal(t, rpc.FramingHeader, cfg.Plugins.Framing)
	assert.Equal(t, []string{"/p"}, cfg.Plugins.Paths)
	assert.Equal(t, 7, cfg.Plugins.Restart.MaxRestarts)
	assert.Equal(t, c.Plugins.CallTimeout.Duration, cfg.Plugins.CallTimeout)
	assert.True(t, cfg.WatchPlugins)
}

func TestErrorCoderFallsBack(t *testing.T) {
	assert.Equal(t, rpc.CodeInternalError, ErrorCoder(io.ErrUnexpectedEOF).Code)
	assert.Equal(t, rpc.CodeRequestCancelled, ErrorCoder(context.Canceled).Code)
}

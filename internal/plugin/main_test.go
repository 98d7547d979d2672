package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/keyproxy/pkg/pluginkit"
)

// helperEnv selects a plugin behavior when the test binary is re-executed
// as a plugin process.
const helperEnv = "KEYPROXY_TEST_PLUGIN"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelperPlugin(mode))
	}
	os.Exit(m.Run())
}

func runHelperPlugin(mode string) int {
	p := pluginkit.New("helper")
	switch mode {
	case "echo":
		p.OnNewBuffer(func(_ context.Context, nb pluginkit.NewBufferParams) error {
			return p.Log("info", fmt.Sprintf("opened %d", nb.BufferID))
		})
		p.OnUpdate(func(context.Context, pluginkit.UpdateParams) error { return nil })
		p.OnCloseBuffer(func(context.Context, pluginkit.CloseBufferParams) error { return nil })
	case "fail":
		p.OnUpdate(func(context.Context, pluginkit.UpdateParams) error {
			return errors.New("refused")
		})
	case "crash":
		fmt.Fprintln(os.Stderr, "crashing on purpose")
		return 3
	}
	if err := p.Serve(context.Background()); err != nil {
		return 1
	}
	return 0
}

// writeManifest writes dir/name/plugin.toml with the given extra lines.
func writeManifest(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	pdir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(pdir, 0o755))

	body := fmt.Sprintf("name = %q\nversion = \"1.0.0\"\n", name)
	hasExec := false
	for _, l := range lines {
		if strings.HasPrefix(l, "exec_path") {
			hasExec = true
		}
	}
	if !hasExec {
		body += "exec_path = \"bin/plugin\"\n"
	}
	body += strings.Join(lines, "\n") + "\n"

	path := filepath.Join(pdir, ManifestTOML)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return pdir
}

// testConfig returns a catalog config with fast restarts.
func testConfig(paths ...string) Config {
	cfg := DefaultConfig()
	cfg.Paths = paths
	cfg.CallTimeout = time.Second
	cfg.StopGrace = time.Second
	cfg.Restart = RestartPolicy{
		MaxRestarts:       2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
		ResetWindow:       time.Minute,
	}
	return cfg
}

// fakeInstance is an in-memory Instance.
type fakeInstance struct {
	deliver func(ctx context.Context, ev Event) error

	mu     sync.Mutex
	events []Event

	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

func newFakeInstance(deliver func(context.Context, Event) error) *fakeInstance {
	return &fakeInstance{deliver: deliver, done: make(chan struct{})}
}

func (f *fakeInstance) Deliver(ctx context.Context, ev Event) error {
	if f.deliver != nil {
		if err := f.deliver(ctx, ev); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeInstance) Done() <-chan struct{} { return f.done }

func (f *fakeInstance) Err() error { return ErrUnexpectedExit }

func (f *fakeInstance) Stop(time.Duration) error {
	f.stopped.Store(true)
	f.exit()
	return nil
}

func (f *fakeInstance) exit() {
	f.once.Do(func() { close(f.done) })
}

func (f *fakeInstance) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

// fakeRuntime hands out fakeInstances and records them.
type fakeRuntime struct {
	// newInstance builds each instance; nil means a default fakeInstance.
	newInstance func(n int) (*fakeInstance, error)

	mu        sync.Mutex
	instances map[string][]*fakeInstance
	spawns    atomic.Int32
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{instances: make(map[string][]*fakeInstance)}
}

func (r *fakeRuntime) spawn(_ context.Context, desc *Description, _ Env) (Instance, error) {
	n := int(r.spawns.Add(1))
	inst := newFakeInstance(nil)
	if r.newInstance != nil {
		var err error
		inst, err = r.newInstance(n)
		if err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	r.instances[desc.Name] = append(r.instances[desc.Name], inst)
	r.mu.Unlock()
	return inst, nil
}

func (r *fakeRuntime) latest(name string) *fakeInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.instances[name]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (r *fakeRuntime) all(name string) []*fakeInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeInstance(nil), r.instances[name]...)
}

// diagRecorder collects diagnostics from a catalog.
type diagRecorder struct {
	mu    sync.Mutex
	diags []Diagnostic
}

func (d *diagRecorder) record(diag Diagnostic) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.diags = append(d.diags, diag)
}

func (d *diagRecorder) count(kind DiagKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, diag := range d.diags {
		if diag.Kind == kind {
			n++
		}
	}
	return n
}

func newTestCatalog(t *testing.T, cfg Config, rt *fakeRuntime, opts ...Option) (*Catalog, *diagRecorder) {
	t.Helper()
	if rt != nil {
		opts = append(opts, WithSpawner(RuntimeProcess, rt.spawn))
	}
	cat := NewCatalog(cfg, opts...)
	rec := &diagRecorder{}
	cat.Subscribe(rec.record)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cat.Close(ctx)
	})
	return cat, rec
}

package plugin

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/keyproxy/internal/dispatch"
	"github.com/dshills/keyproxy/internal/idgen"
	"github.com/dshills/keyproxy/internal/rpc"
	"github.com/dshills/keyproxy/pkg/pluginkit"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

// hostConn serves the host handlers for plugin "wordcount" and returns the
// plugin's end of the connection.
func hostConn(t *testing.T, out io.Writer) *dispatch.Dispatcher {
	t.Helper()

	hostR, pluginW := io.Pipe()
	pluginR, hostW := io.Pipe()

	host := dispatch.New(rpc.NewTransport(hostR, hostW, hostW), idgen.New())
	peer := dispatch.New(rpc.NewTransport(pluginR, pluginW, pluginW), idgen.New())

	logger := log.NewWithOptions(out, log.Options{Level: log.DebugLevel, Formatter: log.LogfmtFormatter})
	env := Env{Host: &memHost{texts: map[uint64]string{1: "hello"}}}
	registerHostHandlers(host, "wordcount", env, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = hostW.Close()
		_ = pluginW.Close()
	})
	go host.Serve(ctx)
	go peer.Serve(ctx)
	return peer
}

func TestHostCallsAttributedToOrigin(t *testing.T) {
	var out lockedBuffer
	peer := hostConn(t, &out)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, origin := range []string{"wordcount", "wordcount-worker"} {
		call, err := dispatch.NewCoreProxy(peer, origin).Call(pluginkit.MethodLog,
			pluginkit.LogParams{Level: "info", Message: "hello from " + origin})
		require.NoError(t, err)
		_, err = call.Wait(ctx)
		require.NoError(t, err)
	}

	var own, worker string
	for _, line := range out.lines() {
		switch {
		case strings.Contains(line, "hello from wordcount-worker"):
			worker = line
		case strings.Contains(line, "hello from wordcount"):
			own = line
		}
	}
	require.NotEmpty(t, own)
	require.NotEmpty(t, worker)
	assert.NotContains(t, own, "origin=")
	assert.Contains(t, worker, "origin=wordcount-worker")
}

func TestHostBufferTextThroughCoreProxy(t *testing.T) {
	var out lockedBuffer
	peer := hostConn(t, &out)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := dispatch.NewCoreProxy(peer, "wordcount").Call(pluginkit.MethodBufferText, pluginkit.BufferTextParams{BufferID: 1})
	require.NoError(t, err)

	var res pluginkit.BufferTextResult
	require.NoError(t, call.WaitInto(ctx, &res))
	assert.Equal(t, "hello", res.Text)
	assert.Contains(t, strings.Join(out.lines(), "\n"), "host call")
}

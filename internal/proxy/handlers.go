package proxy

import (
	"context"

	"github.com/dshills/keyproxy/internal/dispatch"
	"github.com/dshills/keyproxy/internal/engine/buffer"
	"github.com/dshills/keyproxy/internal/engine/delta"
	"github.com/dshills/keyproxy/internal/plugin"
	"github.com/dshills/keyproxy/pkg/pluginkit"
)

// Front-end methods.
const (
	MethodNewBuffer     = "new_buffer"
	MethodApplyDelta    = "apply_delta"
	MethodUpdate        = "update"
	MethodUndo          = "undo"
	MethodRedo          = "redo"
	MethodBufferText    = "buffer_text"
	MethodSaveBuffer    = "save_buffer"
	MethodCloseBuffer   = "close_buffer"
	MethodListPlugins   = "list_plugins"
	MethodReloadPlugins = "reload_plugins"
	MethodShutdown      = "shutdown"
)

// Notifications sent to the front-end.
const (
	MethodPluginDiagnostic = "plugin_diagnostic"
	MethodPluginsReloaded  = "plugins_reloaded"
)

// NewBufferParams opens a buffer. With Content nil and Path set the file is
// read from disk; otherwise Content is used and Path only recorded.
type NewBufferParams struct {
	Content *string `json:"content,omitempty"`
	Path    string  `json:"path,omitempty"`
}

// NewBufferResult carries the allocated id.
type NewBufferResult struct {
	BufferID buffer.ID `json:"buffer_id"`
}

// EditParams applies a delta to a buffer.
type EditParams struct {
	BufferID buffer.ID   `json:"buffer_id"`
	Delta    delta.Delta `json:"delta"`
}

// EditResult describes a buffer after an edit.
type EditResult struct {
	Revision   uint64 `json:"revision"`
	Len        int    `json:"len"`
	LineCount  int    `json:"line_count"`
	MaxLineLen int    `json:"max_line_len"`
}

// BufferParams names a buffer.
type BufferParams struct {
	BufferID buffer.ID `json:"buffer_id"`
}

// SaveParams writes a buffer to Path, or to its own path when empty.
type SaveParams struct {
	BufferID buffer.ID `json:"buffer_id"`
	Path     string    `json:"path,omitempty"`
}

// SaveResult reports the bytes written.
type SaveResult struct {
	Bytes int64 `json:"bytes"`
}

// ReloadResult reports the plugins loaded by a reload.
type ReloadResult struct {
	Count  int      `json:"count"`
	Errors []string `json:"errors,omitempty"`
}

// DiagnosticParams is a plugin health event forwarded to the front-end.
type DiagnosticParams struct {
	Plugin  string `json:"plugin,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type empty struct{}

// registerHandlers installs the front-end methods. Buffer mutations run
// inline so they apply in receipt order; saves and plugin work are pooled.
// new_buffer stays inline even when it reads a file, so ids follow receipt
// order and its event reaches plugins before any edit to the buffer.
func (p *Proxy) registerHandlers() {
	p.d.Handle(MethodNewBuffer, dispatch.Typed(p.newBuffer), dispatch.Inline())
	p.d.Handle(MethodApplyDelta, dispatch.Typed(p.applyDelta), dispatch.Inline())
	p.d.Handle(MethodUpdate, dispatch.Typed(p.applyDelta), dispatch.Inline())
	p.d.Handle(MethodUndo, dispatch.Typed(p.undo), dispatch.Inline())
	p.d.Handle(MethodRedo, dispatch.Typed(p.redo), dispatch.Inline())
	p.d.Handle(MethodBufferText, dispatch.Typed(p.bufferText), dispatch.Inline())
	p.d.Handle(MethodCloseBuffer, dispatch.Typed(p.closeBuffer), dispatch.Inline())
	p.d.Handle(MethodShutdown, dispatch.Typed(p.shutdown), dispatch.Inline())

	p.d.Handle(MethodSaveBuffer, dispatch.Typed(p.saveBuffer))
	p.d.Handle(MethodListPlugins, dispatch.Typed(p.listPlugins))
	p.d.Handle(MethodReloadPlugins, dispatch.Typed(p.reload))
}

func (p *Proxy) newBuffer(_ context.Context, params NewBufferParams) (NewBufferResult, error) {
	var (
		id  buffer.ID
		err error
	)
	switch {
	case params.Content == nil && params.Path != "":
		id, err = p.buffers.Open(params.Path)
		if err != nil {
			return NewBufferResult{}, err
		}
	case params.Content != nil:
		id = p.buffers.Create(*params.Content, buffer.WithPath(params.Path))
	default:
		id = p.buffers.Create("", buffer.WithPath(params.Path))
	}

	snap, err := p.buffers.Snapshot(id)
	if err != nil {
		return NewBufferResult{}, err
	}
	p.log.Debug("buffer opened", "buffer", id, "path", snap.Path, "len", snap.Len())

	p.catalog.Broadcast(plugin.Event{
		Kind:     plugin.EventNewBuffer,
		BufferID: uint64(id),
		Revision: snap.Revision,
		Path:     snap.Path,
		Content:  snap.Text(),
	})
	return NewBufferResult{BufferID: id}, nil
}

func (p *Proxy) applyDelta(_ context.Context, params EditParams) (EditResult, error) {
	return p.edited(p.buffers.ApplyDelta(params.BufferID, params.Delta))
}

func (p *Proxy) undo(_ context.Context, params BufferParams) (EditResult, error) {
	return p.edited(p.buffers.Undo(params.BufferID))
}

func (p *Proxy) redo(_ context.Context, params BufferParams) (EditResult, error) {
	return p.edited(p.buffers.Redo(params.BufferID))
}

// edited announces an applied edit to plugins and describes it to the
// caller.
func (p *Proxy) edited(sum buffer.EditSummary, err error) (EditResult, error) {
	if err != nil {
		return EditResult{}, err
	}

	p.catalog.Broadcast(plugin.Event{
		Kind:     plugin.EventUpdate,
		BufferID: uint64(sum.ID),
		Revision: sum.Revision,
		Delta:    sum.Delta,
	})
	return EditResult{
		Revision:   sum.Revision,
		Len:        sum.NewLen,
		LineCount:  sum.LineCount,
		MaxLineLen: sum.MaxLineLen,
	}, nil
}

func (p *Proxy) bufferText(_ context.Context, params BufferParams) (pluginkit.BufferTextResult, error) {
	text, rev, err := p.buffers.Text(params.BufferID)
	if err != nil {
		return pluginkit.BufferTextResult{}, err
	}
	return pluginkit.BufferTextResult{Text: text, Revision: rev}, nil
}

func (p *Proxy) closeBuffer(_ context.Context, params BufferParams) (empty, error) {
	if p.buffers.Close(params.BufferID) {
		p.log.Debug("buffer closed", "buffer", params.BufferID)
		p.catalog.Broadcast(plugin.Event{Kind: plugin.EventCloseBuffer, BufferID: uint64(params.BufferID)})
	}
	return empty{}, nil
}

func (p *Proxy) saveBuffer(_ context.Context, params SaveParams) (SaveResult, error) {
	n, err := p.buffers.Save(params.BufferID, params.Path)
	if err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Bytes: n}, nil
}

func (p *Proxy) listPlugins(_ context.Context, _ struct{}) ([]plugin.Status, error) {
	return p.catalog.List(), nil
}

func (p *Proxy) reload(ctx context.Context, _ struct{}) (ReloadResult, error) {
	n, err := p.reloadPlugins(ctx)
	return ReloadResult{Count: n, Errors: errorStrings(err)}, nil
}

func (p *Proxy) shutdown(_ context.Context, _ struct{}) (empty, error) {
	p.log.Info("shutdown requested")
	p.Shutdown()
	return empty{}, nil
}

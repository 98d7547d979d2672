// Package plugin discovers, spawns and supervises editor plugins.
//
// A plugin is described by a manifest (plugin.toml or plugin.json) in its own
// directory. The Catalog loads every manifest from its search paths, starts
// each enabled plugin under the runtime the manifest names, and fans buffer
// events out to them:
//
//	cat := plugin.NewCatalog(cfg, plugin.WithHost(store), plugin.WithLogger(logger))
//	if err := cat.Load(ctx); err != nil {
//	    logger.Warn("some plugins failed to start", "err", err)
//	}
//	cat.Broadcast(plugin.Event{Kind: plugin.EventUpdate, BufferID: id, Delta: d})
//
// Each plugin owns a mailbox and a goroutine. Slow, failing or crashing
// plugins only affect themselves: events that fail repeatedly are muted for
// that plugin, and crashed plugins are restarted with exponential backoff
// until the restart budget is spent.
//
// Two runtimes are built in. RuntimeProcess runs an executable speaking the
// line-delimited message protocol on stdio (see pkg/pluginkit).
// RuntimeLua runs a script in an embedded interpreter.
package plugin

// Package lua runs editor plugins written in Lua inside the host process.
//
// A plugin script returns a table of event handlers keyed by event name:
//
//	local words = 0
//	return {
//	  new_buffer = function(ev)
//	    keyproxy.log("opened " .. ev.buffer_id)
//	  end,
//	  update = function(ev)
//	    local text = keyproxy.buffer_text(ev.buffer_id)
//	  end,
//	}
//
// Handlers receive the event params as a table. The global keyproxy table
// exposes host services: log, buffer_text, apply and name.
//
// gopher-lua states are not goroutine-safe, so every operation on a Script's
// state runs on a single executor goroutine. Only the base, table, string and
// math libraries are opened.
package lua

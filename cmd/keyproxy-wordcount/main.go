// Command keyproxy-wordcount is a sample plugin. It mirrors every buffer it
// is told about and reports line and word counts to the host log.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dshills/keyproxy/pkg/pluginkit"
)

func main() {
	p := pluginkit.New("wordcount")
	c := newCounter(func(msg string) {
		if err := p.Log("info", msg); err != nil {
			p.Logger().Warn("log not sent", "err", err)
		}
	})
	c.resync = func(id uint64) {
		err := p.BufferTextAsync(id, func(res pluginkit.BufferTextResult, err error) {
			if err != nil {
				p.Logger().Warn("resync failed", "buffer", id, "err", err)
				return
			}
			c.reset(id, res.Text)
		})
		if err != nil {
			p.Logger().Warn("resync not sent", "buffer", id, "err", err)
		}
	}

	p.OnNewBuffer(func(_ context.Context, nb pluginkit.NewBufferParams) error {
		c.open(nb.BufferID, nb.Content)
		return nil
	})
	p.OnUpdate(func(_ context.Context, u pluginkit.UpdateParams) error {
		return c.update(u.BufferID, u.Delta)
	})
	p.OnCloseBuffer(func(_ context.Context, cb pluginkit.CloseBufferParams) error {
		c.close(cb.BufferID)
		return nil
	})

	if err := p.Serve(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "wordcount: %v\n", err)
		os.Exit(1)
	}
}

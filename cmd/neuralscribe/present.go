package main

import (
	"context"
	"fmt"
	"io"

	"github.com/tiroq/neuralscribe/internal/pipeline"
)

// present renders run progress on w until the run ends. It is the CLI's
// presentation context: the worker never writes to the terminal, it only
// publishes to the hub this reads from.
func present(ctx context.Context, w io.Writer, events <-chan pipeline.Event, done <-chan struct{}) {
	last := ""
	show := func(ev pipeline.Event) {
		if ev.Message == "" || ev.Message == last {
			return
		}
		last = ev.Message
		fmt.Fprintln(w, ev.Message)
	}

	interrupted := ctx.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				<-done
				return
			}
			show(ev)
			if ev.Terminal() {
				return
			}
		case <-done:
			// the terminal event may still be buffered
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					show(ev)
				default:
					return
				}
			}
		case <-interrupted:
			fmt.Fprintln(w, "interrupted; waiting for the current run to finish")
			interrupted = nil
		}
	}
}

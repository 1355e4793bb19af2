package main

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/raphadam/littleserver/server"
	"github.com/raphadam/littleserver/tail"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const DefaultTailAddr = ":1323"

type serveOptions struct {
	addr     string
	tailAddr string
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the request logging listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ignoreCanceled(Serve(cmd.Context(), opts, cmd.OutOrStdout()))
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", server.DefaultAddr, "address the listener binds")
	cmd.Flags().StringVar(&opts.tailAddr, "tail-addr", "", "also broadcast dumps over websocket on this address, e.g. "+DefaultTailAddr)

	return cmd
}

// Serve runs the listener, and the tail listener when enabled, until ctx is
// done. The dumps and the startup lines go to out.
func Serve(ctx context.Context, opts serveOptions, out io.Writer) error {
	cfg := server.Config{Out: out}

	var hub *tail.Hub
	if opts.tailAddr != "" {
		hub = tail.NewHub()
		cfg.Recorder = hub
	}

	ln, err := server.Listen(opts.addr)
	if err != nil {
		return err
	}

	var tln net.Listener
	if hub != nil {
		tln, err = server.Listen(opts.tailAddr)
		if err != nil {
			ln.Close()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	e := server.New(cfg)
	fmt.Fprintf(out, "server is listening on %s\n", server.URL("http", ln.Addr()))
	g.Go(func() error {
		return server.Serve(ctx, e, ln)
	})

	if hub != nil {
		te := server.NewEcho()
		hub.Register(te)

		fmt.Fprintf(out, "tail is listening on %s\n", server.URL("ws", tln.Addr()))
		g.Go(func() error {
			return server.Serve(ctx, te, tln)
		})
		g.Go(func() error {
			<-ctx.Done()
			hub.Close()
			return nil
		})
	}

	return g.Wait()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/color"
	"github.com/mattn/go-isatty"
	"github.com/raphadam/littleserver/proto"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const DefaultTailURL = "ws://localhost" + DefaultTailAddr + "/"

func newWatchCmd() *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "watch [url]",
		Short: "Print the dumps broadcast by a listener started with --tail-addr",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := DefaultTailURL
			if len(args) == 1 {
				url = args[0]
			}

			out := cmd.OutOrStdout()

			c := color.New()
			if f, ok := out.(*os.File); noColor || !ok || !isatty.IsTerminal(f.Fd()) {
				c.Disable()
			} else {
				c.Enable()
			}

			return ignoreCanceled(Watch(cmd.Context(), url, out, c))
		},
	}

	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}

// Watch prints every dump received from the tail at url until ctx is done or
// the server closes the connection.
func Watch(ctx context.Context, url string, out io.Writer, c *color.Color) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("unable to connect to tail %w", err)
	}
	conn := proto.WrapConn(ws)

	fmt.Fprintln(out, c.Bold("watching "+url))

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	for {
		d, err := conn.ReadDump()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				log.Info().Msg("tail closed by server")
				return nil
			}

			return fmt.Errorf("unable to read tail %w", err)
		}

		fmt.Fprint(out, FormatWatched(c, d))
	}
}

func FormatWatched(c *color.Color, d *proto.RequestDump) string {
	b := strings.Builder{}

	fmt.Fprintf(&b, "%s %s %s\n", c.Grey(d.Time.Format("15:04:05.000")), methodColor(c, d.Method), c.Bold(d.URL))

	names := make([]string, 0, len(d.Headers))
	for name := range d.Headers {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		fmt.Fprintf(&b, "  %s %s\n", c.Cyan(name+":"), d.Headers[name])
	}

	fmt.Fprintf(&b, "  %s %s\n\n", c.Yellow("body:"), string(d.Body))

	return b.String()
}

func methodColor(c *color.Color, method string) string {
	switch method {
	case "GET", "HEAD":
		return c.Green(method)
	case "POST", "PUT", "PATCH":
		return c.Yellow(method)
	case "DELETE":
		return c.Red(method)
	default:
		return c.Blue(method)
	}
}

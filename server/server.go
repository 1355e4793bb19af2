// Package server is the request logging HTTP listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/raphadam/littleserver/proto"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAddr = ":8080"
	AckPath     = "/PM"

	ShutdownTimeout = 5 * time.Second
)

const ackContentType = echo.MIMEApplicationJSON + "; charset=utf-8"

var ackBody = mustMarshal(proto.AckOK)

// AckMethods are the request methods answered on AckPath on top of those of
// echo's Any: every method a Node HTTP server parses.
var AckMethods = []string{
	"ACL", "BIND", "CHECKOUT", "CONNECT", "COPY", "DELETE", "GET", "HEAD",
	"LINK", "LOCK", "M-SEARCH", "MERGE", "MKACTIVITY", "MKCALENDAR", "MKCOL",
	"MOVE", "NOTIFY", "OPTIONS", "PATCH", "POST", "PROPFIND", "PROPPATCH",
	"PURGE", "PUT", "QUERY", "REBIND", "REPORT", "SEARCH", "SOURCE",
	"SUBSCRIBE", "TRACE", "UNBIND", "UNLINK", "UNLOCK", "UNSUBSCRIBE",
}

type Config struct {
	// Out receives the dump blocks. Defaults to stdout.
	Out io.Writer
	// Recorder, when set, gets every dump after it is printed.
	Recorder Recorder
	// BodyLimit defaults to BodyLimit.
	BodyLimit int64
}

// New builds the listener application: JSON bodies are parsed, every request
// is dumped, and AckPath answers {"status":"ok"} for any method.
func New(cfg Config) *echo.Echo {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = BodyLimit
	}

	e := NewEcho()

	e.Pre(FoldRoutes(AckPath))
	e.Use(ParseJSON(cfg.BodyLimit))
	e.Use(Dump(NewPrinter(cfg.Out), cfg.Recorder))

	e.Any(AckPath, HandleAck)
	for _, method := range AckMethods {
		e.Add(method, AckPath, HandleAck)
	}

	return e
}

// NewEcho returns an echo instance that stays quiet on stdout and logs
// through zerolog.
func NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		log.Debug().Err(err).Str("method", c.Request().Method).Str("url", c.Request().RequestURI).Msg("request failed")
		e.DefaultHTTPErrorHandler(err, c)
	}

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error().Err(err).Bytes("stack", stack).Msg("handler panicked")
			return err
		},
	}))

	return e
}

func HandleAck(c echo.Context) error {
	return c.Blob(http.StatusOK, ackContentType, ackBody)
}

// FoldRoutes rewrites a request path that matches one of routes ignoring
// case and a trailing slash to the route itself.
func FoldRoutes(routes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			u := c.Request().URL

			path := u.Path
			if len(path) > 1 {
				path = strings.TrimSuffix(path, "/")
			}

			for _, route := range routes {
				if u.Path != route && strings.EqualFold(path, route) {
					u.Path = route
					u.RawPath = ""
					break
				}
			}

			return next(c)
		}
	}
}

// Listen binds addr on tcp.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to listen on %s %w", addr, err)
	}

	return ln, nil
}

// Serve runs e on ln until ctx is done, then drains it for up to
// ShutdownTimeout.
func Serve(ctx context.Context, e *echo.Echo, ln net.Listener) error {
	e.Listener = ln

	errc := make(chan error, 1)
	go func() {
		errc <- e.Start(ln.Addr().String())
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err

	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	err := e.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("unable to shutdown %w", err)
	}

	err = <-errc
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// URL renders addr for people, with localhost for unspecified hosts.
func URL(scheme string, addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return scheme + "://" + addr.String()
	}

	ip := net.ParseIP(host)
	if host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}

	return scheme + "://" + net.JoinHostPort(host, port)
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

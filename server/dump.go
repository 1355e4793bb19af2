package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/raphadam/littleserver/proto"
	"github.com/rs/zerolog/log"
)

const (
	dumpOpen  = "---- Incoming Request ----"
	dumpClose = "--------------------------"
)

// Recorder receives every dump after it has been printed.
type Recorder interface {
	Publish(d *proto.RequestDump)
}

// Printer writes dump blocks. A block is written in a single call so
// concurrent requests never interleave inside a block.
type Printer struct {
	w   io.Writer
	mux sync.Mutex
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) Print(d *proto.RequestDump) error {
	block := FormatDump(d)

	p.mux.Lock()
	defer p.mux.Unlock()

	_, err := io.WriteString(p.w, block)
	return err
}

func FormatDump(d *proto.RequestDump) string {
	b := strings.Builder{}

	fmt.Fprintln(&b, dumpOpen)
	fmt.Fprintln(&b, "Method:", d.Method)
	fmt.Fprintln(&b, "URL:", d.URL)
	fmt.Fprintln(&b, "Headers:", encodeCompact(d.Headers))
	fmt.Fprintln(&b, "Body:", string(d.Body))
	fmt.Fprintln(&b, dumpClose)

	return b.String()
}

// Dump describes each request to p and rec before dispatching it.
func Dump(p *Printer, rec Recorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d := NewDump(c)

			err := p.Print(d)
			if err != nil {
				log.Warn().Err(err).Msg("unable to print dump")
			}

			if rec != nil {
				rec.Publish(d)
			}

			return next(c)
		}
	}
}

func NewDump(c echo.Context) *proto.RequestDump {
	req := c.Request()

	url := req.RequestURI
	if url == "" {
		url = req.URL.RequestURI()
	}

	return &proto.RequestDump{
		Time:    time.Now(),
		Method:  req.Method,
		URL:     url,
		Headers: HeaderMap(req),
		Body:    Body(c),
	}
}

// singletonHeaders keep only their first value when repeated, as Node does.
var singletonHeaders = map[string]bool{
	"age":                 true,
	"authorization":       true,
	"content-length":      true,
	"content-type":        true,
	"etag":                true,
	"expires":             true,
	"from":                true,
	"host":                true,
	"if-modified-since":   true,
	"if-unmodified-since": true,
	"last-modified":       true,
	"location":            true,
	"max-forwards":        true,
	"proxy-authorization": true,
	"referer":             true,
	"retry-after":         true,
	"server":              true,
	"user-agent":          true,
}

// HeaderMap flattens the request headers into lower-cased names. Repeated
// values are joined with ", ", cookies with "; ", and singleton headers keep
// their first value.
func HeaderMap(req *http.Request) map[string]string {
	headers := make(map[string]string, len(req.Header)+1)

	if req.Host != "" {
		headers["host"] = req.Host
	}

	for name, values := range req.Header {
		key := strings.ToLower(name)
		if len(values) == 0 {
			continue
		}

		switch {
		case singletonHeaders[key]:
			if _, ok := headers[key]; !ok {
				headers[key] = values[0]
			}
		case key == "cookie":
			headers[key] = strings.Join(values, "; ")
		default:
			headers[key] = strings.Join(values, ", ")
		}
	}

	return headers
}

func encodeCompact(v any) string {
	buff := bytes.Buffer{}

	enc := json.NewEncoder(&buff)
	enc.SetEscapeHTML(false)

	err := enc.Encode(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}

	return strings.TrimSuffix(buff.String(), "\n")
}

package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/labstack/echo/v4"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// BodyLimit is the largest JSON body accepted once inflated, in bytes.
const BodyLimit = 100 << 10

const bodyKey = "server.body"

var emptyBody = json.RawMessage(`{}`)

// ParseJSON parses bodies declared as application/json. Only objects and
// arrays are accepted. The compacted document is stored on the context and
// the decoded bytes are left readable for the handler.
func ParseJSON(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasBody(req) {
				return next(c)
			}

			mediatype, params, err := mime.ParseMediaType(req.Header.Get(echo.HeaderContentType))
			if err != nil || mediatype != echo.MIMEApplicationJSON {
				return next(c)
			}

			dec, err := charsetDecoder(params["charset"])
			if err != nil {
				return err
			}

			body, err := contentReader(req)
			if err != nil {
				return err
			}
			defer body.Close()

			data, err := io.ReadAll(io.LimitReader(body, limit+1))
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "unable to read body").SetInternal(err)
			}
			if int64(len(data)) > limit {
				return echo.ErrStatusRequestEntityTooLarge
			}

			if dec != nil {
				data, err = dec.Bytes(data)
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "unable to decode body").SetInternal(err)
				}
			}

			req.Body = io.NopCloser(bytes.NewReader(data))
			req.Header.Del(echo.HeaderContentEncoding)
			req.ContentLength = int64(len(data))

			doc := bytes.TrimSpace(data)
			if len(doc) == 0 {
				return next(c)
			}

			if doc[0] != '{' && doc[0] != '[' {
				return echo.NewHTTPError(http.StatusBadRequest, "JSON body must be an object or an array")
			}

			if !json.Valid(doc) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
			}

			compact := bytes.Buffer{}
			err = json.Compact(&compact, doc)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body").SetInternal(err)
			}

			c.Set(bodyKey, json.RawMessage(compact.Bytes()))
			return next(c)
		}
	}
}

// Body returns the document parsed by ParseJSON, or {} when there was none.
func Body(c echo.Context) json.RawMessage {
	body, ok := c.Get(bodyKey).(json.RawMessage)
	if !ok {
		return emptyBody
	}
	return body
}

func hasBody(req *http.Request) bool {
	return req.Body != nil && req.Body != http.NoBody && (req.ContentLength != 0 || len(req.TransferEncoding) > 0)
}

// charsetDecoder maps a utf-* charset to its decoder. utf-8 and an absent
// charset need none; anything outside the utf family is refused.
func charsetDecoder(charset string) (*encoding.Decoder, error) {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "utf-16":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder(), nil
	case "utf-16le":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder(), nil
	case "utf-16be":
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder(), nil
	case "utf-32":
		return utf32.UTF32(utf32.LittleEndian, utf32.UseBOM).NewDecoder(), nil
	case "utf-32le":
		return utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM).NewDecoder(), nil
	case "utf-32be":
		return utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM).NewDecoder(), nil
	}

	return nil, echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported charset \""+strings.ToUpper(charset)+"\"")
}

// contentReader inflates gzip and deflate bodies. Other codings are refused.
func contentReader(req *http.Request) (io.ReadCloser, error) {
	coding := strings.ToLower(strings.TrimSpace(req.Header.Get(echo.HeaderContentEncoding)))

	switch coding {
	case "", "identity":
		return req.Body, nil

	case "gzip":
		zr, err := gzip.NewReader(req.Body)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body").SetInternal(err)
		}
		return zr, nil

	case "deflate":
		zr, err := zlib.NewReader(req.Body)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid deflate body").SetInternal(err)
		}
		return zr, nil
	}

	return nil, echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content encoding \""+coding+"\"")
}

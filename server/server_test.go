package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/labstack/echo/v4"
	"github.com/raphadam/littleserver/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

type recorder struct {
	mux   sync.Mutex
	dumps []*proto.RequestDump
}

func (r *recorder) Publish(d *proto.RequestDump) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.dumps = append(r.dumps, d)
}

func setupTestServer(t *testing.T) (*echo.Echo, *bytes.Buffer, *recorder) {
	t.Helper()

	out := &bytes.Buffer{}
	rec := &recorder{}
	e := New(Config{Out: out, Recorder: rec})

	return e, out, rec
}

func do(e *echo.Echo, method, target, contentType, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, target, r)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}

	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	return rr
}

// loggedBody returns the value printed on the Body line of the only block in out.
func loggedBody(t *testing.T, out string) string {
	t.Helper()

	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, "Body: "); ok {
			return v
		}
	}

	t.Fatalf("no Body line in %q", out)
	return ""
}

func TestAckAnyMethod(t *testing.T) {
	e, _, _ := setupTestServer(t)

	methods := []string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, "PROPFIND",
		"COPY", "LOCK", "MKCOL", "MOVE", "PURGE", "SEARCH", "UNLOCK",
		"M-SEARCH", "NOTIFY", "SUBSCRIBE", "QUERY",
	}
	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			rr := do(e, method, "/PM", "", "")

			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, `{"status":"ok"}`, rr.Body.String())
			assert.Equal(t, "application/json; charset=utf-8", rr.Header().Get(echo.HeaderContentType))
		})
	}
}

func TestAckHead(t *testing.T) {
	e, out, _ := setupTestServer(t)

	rr := do(e, http.MethodHead, "/pm", "", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, out.String(), "Method: HEAD\n")
}

func TestUnknownPathExtensionMethod(t *testing.T) {
	e, _, _ := setupTestServer(t)

	rr := do(e, "PURGE", "/other", "", "")

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAckGet(t *testing.T) {
	e, out, _ := setupTestServer(t)

	rr := do(e, http.MethodGet, "/PM", "", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"status":"ok"}`, rr.Body.String())
	assert.Equal(t, "{}", loggedBody(t, out.String()))
}

func TestAckPostJSON(t *testing.T) {
	e, out, rec := setupTestServer(t)

	rr := do(e, http.MethodPost, "/PM", echo.MIMEApplicationJSON, `{"a":1}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"status":"ok"}`, rr.Body.String())

	var logged map[string]any
	require.NoError(t, json.Unmarshal([]byte(loggedBody(t, out.String())), &logged))
	assert.Equal(t, map[string]any{"a": float64(1)}, logged)

	require.Len(t, rec.dumps, 1)
	assert.JSONEq(t, `{"a":1}`, string(rec.dumps[0].Body))
}

func TestLoggedBodyMatchesInput(t *testing.T) {
	cases := []string{
		`{"a":1}`,
		`{ "PM10": 12.3, "PM2_5": 4.5 }`,
		`[1, 2, {"b": [true, null]}]`,
		`{"nested": {"s": "<tag> & co"}}`,
		"\n\t {\"a\":\"b\"}\n",
	}
	for _, body := range cases {
		e, out, _ := setupTestServer(t)

		rr := do(e, http.MethodPost, "/PM", "application/json; charset=utf-8", body)
		require.Equal(t, http.StatusOK, rr.Code, body)

		var want, got any
		require.NoError(t, json.Unmarshal([]byte(body), &want))
		require.NoError(t, json.Unmarshal([]byte(loggedBody(t, out.String())), &got))
		assert.Equal(t, want, got, body)
	}
}

func TestMalformedJSON(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"NotJSON", "not json"},
		{"Truncated", `{"a":`},
		{"TrailingGarbage", `{"a":1} x`},
		{"Scalar", `"str"`},
		{"Number", `42`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			handled := false

			e, out, rec := setupTestServer(t)
			e.Any("/status", func(c echo.Context) error {
				handled = true
				return c.NoContent(http.StatusOK)
			})

			for _, target := range []string{"/PM", "/status"} {
				rr := do(e, http.MethodPost, target, echo.MIMEApplicationJSON, c.body)
				assert.Equal(t, http.StatusBadRequest, rr.Code)
			}

			assert.False(t, handled)
			assert.Empty(t, out.String())
			assert.Empty(t, rec.dumps)
		})
	}
}

func TestNonJSONContentTypeIsNotParsed(t *testing.T) {
	e, out, _ := setupTestServer(t)

	rr := do(e, http.MethodPost, "/PM", echo.MIMETextPlain, "not json")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "{}", loggedBody(t, out.String()))
}

func TestBodyTooLarge(t *testing.T) {
	out := &bytes.Buffer{}
	e := New(Config{Out: out, BodyLimit: 16})

	rr := do(e, http.MethodPost, "/PM", echo.MIMEApplicationJSON, `{"a":"0123456789abcdef"}`)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Empty(t, out.String())
}

func TestUnsupportedCharset(t *testing.T) {
	e, out, _ := setupTestServer(t)

	rr := do(e, http.MethodPost, "/PM", "application/json; charset=latin1", `{"a":1}`)

	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	assert.Empty(t, out.String())
}

func TestEmptyJSONBody(t *testing.T) {
	e, out, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/PM", strings.NewReader("   "))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "{}", loggedBody(t, out.String()))
}

func TestHandlerStillReadsBody(t *testing.T) {
	e, _, _ := setupTestServer(t)
	e.POST("/echo", func(c echo.Context) error {
		data, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
	})

	rr := do(e, http.MethodPost, "/echo", echo.MIMEApplicationJSON, `{"a": 1}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"a": 1}`, rr.Body.String())
}

func TestNotFound(t *testing.T) {
	e, out, rec := setupTestServer(t)

	for _, target := range []string{"/", "/PMX", "/PM/sub", "/other?x=1"} {
		rr := do(e, http.MethodGet, target, "", "")
		assert.Equal(t, http.StatusNotFound, rr.Code, target)
	}

	// unmatched paths are still dumped
	assert.Equal(t, 4, strings.Count(out.String(), dumpOpen))
	require.Len(t, rec.dumps, 4)
	assert.Equal(t, "/other?x=1", rec.dumps[3].URL)
}

func TestFoldRoutes(t *testing.T) {
	e, _, rec := setupTestServer(t)

	for _, target := range []string{"/pm", "/Pm", "/PM/", "/pm/?q=1"} {
		rr := do(e, http.MethodGet, target, "", "")
		assert.Equal(t, http.StatusOK, rr.Code, target)
		assert.Equal(t, `{"status":"ok"}`, rr.Body.String(), target)
	}

	require.Len(t, rec.dumps, 4)
	assert.Equal(t, "/pm/?q=1", rec.dumps[3].URL)
}

func TestDumpBlock(t *testing.T) {
	e, out, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/PM?from=sensor", strings.NewReader(`{"PM10": 10}`))
	req.Host = "example.com"
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Add("X-Multi", "a")
	req.Header.Add("X-Multi", "b")
	req.Header.Add("Cookie", "a=1")
	req.Header.Add("Cookie", "b=2")
	e.ServeHTTP(httptest.NewRecorder(), req)

	want := strings.Join([]string{
		"---- Incoming Request ----",
		"Method: POST",
		"URL: /PM?from=sensor",
		`Headers: {"content-type":"application/json","cookie":"a=1; b=2","host":"example.com","x-multi":"a, b"}`,
		`Body: {"PM10":10}`,
		"--------------------------",
		"",
	}, "\n")
	assert.Equal(t, want, out.String())
}

func TestSingletonHeadersKeepFirstValue(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/PM", nil)
	req.Header.Add("User-Agent", "first")
	req.Header.Add("User-Agent", "second")
	req.Header.Add("Authorization", "Bearer a")
	req.Header.Add("Authorization", "Bearer b")
	req.Header.Add("Accept", "text/plain")
	req.Header.Add("Accept", "application/json")

	headers := HeaderMap(req)

	assert.Equal(t, "first", headers["user-agent"])
	assert.Equal(t, "Bearer a", headers["authorization"])
	assert.Equal(t, "text/plain, application/json", headers["accept"])
	assert.Equal(t, "example.com", headers["host"])
}

func doRaw(e *echo.Echo, header http.Header, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/PM", bytes.NewReader(body))
	for name, values := range header {
		req.Header[name] = values
	}

	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	return rr
}

func TestUTFCharsets(t *testing.T) {
	cases := []struct {
		charset string
		enc     encoding.Encoding
	}{
		{"utf-16le", unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)},
		{"UTF-16BE", unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)},
		{"utf-16", unicode.UTF16(unicode.BigEndian, unicode.UseBOM)},
		{"utf-32le", utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM)},
	}
	for _, c := range cases {
		t.Run(c.charset, func(t *testing.T) {
			e, out, _ := setupTestServer(t)

			body, err := c.enc.NewEncoder().Bytes([]byte(`{"PM10":12.5,"note":"µg"}`))
			require.NoError(t, err)

			rr := doRaw(e, http.Header{"Content-Type": {"application/json; charset=" + c.charset}}, body)

			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			assert.JSONEq(t, `{"PM10":12.5,"note":"µg"}`, loggedBody(t, out.String()))
		})
	}
}

func TestContentEncoding(t *testing.T) {
	doc := []byte(`{"a":1}`)

	gzipped := bytes.Buffer{}
	gw := gzip.NewWriter(&gzipped)
	_, err := gw.Write(doc)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	deflated := bytes.Buffer{}
	zw := zlib.NewWriter(&deflated)
	_, err = zw.Write(doc)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	cases := []struct {
		coding string
		body   []byte
		code   int
	}{
		{"identity", doc, http.StatusOK},
		{"gzip", gzipped.Bytes(), http.StatusOK},
		{"deflate", deflated.Bytes(), http.StatusOK},
		{"gzip", doc, http.StatusBadRequest},
		{"br", doc, http.StatusUnsupportedMediaType},
	}
	for _, c := range cases {
		e, out, _ := setupTestServer(t)

		rr := doRaw(e, http.Header{
			"Content-Type":     {echo.MIMEApplicationJSON},
			"Content-Encoding": {c.coding},
		}, c.body)

		require.Equal(t, c.code, rr.Code, c.coding)
		if c.code == http.StatusOK {
			assert.Equal(t, `{"a":1}`, loggedBody(t, out.String()), c.coding)
		} else {
			assert.Empty(t, out.String(), c.coding)
		}
	}
}

func TestBodyLimitAppliesInflated(t *testing.T) {
	out := &bytes.Buffer{}
	e := New(Config{Out: out, BodyLimit: 64})

	gzipped := bytes.Buffer{}
	gw := gzip.NewWriter(&gzipped)
	_, err := gw.Write([]byte(`{"a":"` + strings.Repeat("x", 1000) + `"}`))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	rr := doRaw(e, http.Header{
		"Content-Type":     {echo.MIMEApplicationJSON},
		"Content-Encoding": {"gzip"},
	}, gzipped.Bytes())

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestPrinterKeepsBlocksWhole(t *testing.T) {
	out := &bytes.Buffer{}
	p := NewPrinter(out)

	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Print(&proto.RequestDump{Method: "GET", URL: "/PM", Headers: map[string]string{}, Body: emptyBody})
		}()
	}
	wg.Wait()

	block := FormatDump(&proto.RequestDump{Method: "GET", URL: "/PM", Headers: map[string]string{}, Body: emptyBody})
	assert.Equal(t, strings.Repeat(block, 50), out.String())
}

func TestServe(t *testing.T) {
	out := &bytes.Buffer{}
	e := New(Config{Out: out})

	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- Serve(ctx, e, ln)
	}()

	res, err := http.Post(URL("http", ln.Addr())+"/PM", echo.MIMEApplicationJSON, strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, `{"status":"ok"}`, string(data))

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(ShutdownTimeout + time.Second):
		t.Fatal("server did not stop")
	}
}

func TestListenInUse(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(ln.Addr().String())
	require.Error(t, err)
}

func TestURL(t *testing.T) {
	ln, err := Listen(":0")
	require.NoError(t, err)
	defer ln.Close()

	u := URL("http", ln.Addr())
	assert.True(t, strings.HasPrefix(u, "http://localhost:"), u)
}

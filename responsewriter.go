package authmw

import (
	"io"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
)

// NewAccessTokenHeader carries a refreshed access token back to the client.
const NewAccessTokenHeader = "New-Access-Token"

// ResponseHook edits response headers right before they are sent.
type ResponseHook interface {
	OnResponseHeaders(header http.Header)
}

// ResponseHookFunc adapts a function to ResponseHook.
type ResponseHookFunc func(header http.Header)

// OnResponseHeaders implements ResponseHook.
func (f ResponseHookFunc) OnResponseHeaders(header http.Header) { f(header) }

// NewAccessTokenHook appends the New-Access-Token header.
func NewAccessTokenHook(token string) ResponseHook {
	return ResponseHookFunc(func(header http.Header) {
		header.Add(NewAccessTokenHeader, token)
	})
}

// hookedWriter runs a ResponseHook once, at the point the response headers
// are committed. Body bytes pass through untouched.
type hookedWriter struct {
	w    http.ResponseWriter
	hook ResponseHook
	once sync.Once
	wrap http.ResponseWriter
}

func newHookedWriter(w http.ResponseWriter, hook ResponseHook) *hookedWriter {
	hw := &hookedWriter{w: w, hook: hook}
	hw.wrap = httpsnoop.Wrap(w, httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				hw.apply()
				next(code)
			}
		},
		Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(b []byte) (int, error) {
				hw.apply()
				return next(b)
			}
		},
		ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
			return func(src io.Reader) (int64, error) {
				hw.apply()
				return next(src)
			}
		},
		Flush: func(next httpsnoop.FlushFunc) httpsnoop.FlushFunc {
			return func() {
				hw.apply()
				next()
			}
		},
	})
	return hw
}

// ResponseWriter returns the writer handed to the downstream handler.
func (hw *hookedWriter) ResponseWriter() http.ResponseWriter {
	return hw.wrap
}

func (hw *hookedWriter) apply() {
	hw.once.Do(func() {
		hw.hook.OnResponseHeaders(hw.w.Header())
	})
}

// finish covers handlers that return without writing; net/http then sends an
// implicit 200 with the current header map.
func (hw *hookedWriter) finish() {
	hw.apply()
}

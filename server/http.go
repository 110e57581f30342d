package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/go-logr/logr"

	"duorpc/delivery"
	"duorpc/message"
	"duorpc/resources"
	"duorpc/stats"
)

var errSinkClosed = errors.New("http: response already finalized")

// httpSink streams the messages of one exchange into the response body.
type httpSink struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	closed bool
}

func newHTTPSink(w http.ResponseWriter) *httpSink {
	return &httpSink{w: w, rc: http.NewResponseController(w)}
}

func (s *httpSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errSinkClosed
	}
	return s.w.Write(p)
}

func (s *httpSink) Flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// Finalize flushes and closes the body; the handler returning ends the chunked stream.
func (s *httpSink) Finalize() error {
	err := s.Flush()
	s.closed = true
	return err
}

// HTTPAdapter serves one exchange per POST request. The answer streams back in the response body,
// preceded by any messages the handler pushed while the call was pending.
type HTTPAdapter struct {
	engine     *Engine
	policy     *delivery.Policy
	maxReqSize int64
	log        logr.Logger
}

// NewHTTPAdapter builds the POST handler. A maxReqSize of zero or less disables the limit.
func NewHTTPAdapter(engine *Engine, reg *stats.Registry, maxReqSize int64, log logr.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		engine:     engine,
		policy:     delivery.HTTP(reg, log),
		maxReqSize: maxReqSize,
		log:        log,
	}
}

func (a *HTTPAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	received := time.Now()

	body := io.Reader(r.Body)
	if a.maxReqSize > 0 {
		body = http.MaxBytesReader(w, r.Body, a.maxReqSize)
	}
	data, err := io.ReadAll(body)

	var req *message.Request
	if err != nil {
		var tooLarge *http.MaxBytesError
		if !errors.As(err, &tooLarge) {
			a.log.V(1).Info("reading request body failed", "remote", r.RemoteAddr, "err", err.Error())
			return
		}
		req = message.RejectedRequest(message.DataError(message.CodeInvalidRequest, "request too large", tooLarge.Limit), received)
	} else {
		req = message.ParseRequest(data, received)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	sink := newHTTPSink(w)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	delivered := false
	for resp := range a.engine.Exec(ctx, req) {
		delivered = true
		if err := a.policy.Deliver(sink, resp, req); err != nil {
			a.log.V(1).Info("delivering response failed", "method", req.Method(), "err", err.Error())
			return
		}
	}
	if !delivered {
		if err := a.policy.Deliver(sink, nil, req); err != nil {
			a.log.V(1).Info("delivering idle marker failed", "err", err.Error())
		}
	}
}

var callbackName = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$.]*$`)

// writeJSON renders v, as JSONP when the request carries a callback parameter.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if cb := r.URL.Query().Get("callback"); cb != "" {
		if !callbackName.MatchString(cb) {
			http.Error(w, "invalid callback name", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		io.WriteString(w, cb+"(")
		w.Write(data)
		io.WriteString(w, ");\r\n")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

func writeAsset(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// serveAux answers GET requests below the RPC path. vpath is the path relative to it.
func (s *Server) serveAux(w http.ResponseWriter, r *http.Request, vpath string) {
	switch vpath {
	case "", "/", "/index.html":
		if !s.cfg.EnableConsole {
			http.NotFound(w, r)
			return
		}
		writeAsset(w, "text/html; charset=utf-8", resources.IndexHTML)
	case "/styles.css":
		if !s.cfg.EnableConsole {
			http.NotFound(w, r)
			return
		}
		writeAsset(w, "text/css; charset=utf-8", resources.StylesCSS)
	case "/rpc.js":
		writeAsset(w, "text/javascript; charset=utf-8", resources.RPCJS)
	case "/methods":
		writeJSON(w, r, s.methods.list())
	default:
		http.NotFound(w, r)
	}
}

// serveStats renders the custom statistics merged with the per-method server statistics.
func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.customStats != nil {
		for k, v := range s.customStats() {
			out[k] = v
		}
	}
	out["server"] = s.stats.Snapshot()
	writeJSON(w, r, out)
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.stats.Metrics().WritePrometheus(w)
}

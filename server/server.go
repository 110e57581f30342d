// Package server implements the JSON-RPC server: method registration, the middleware chain, the
// HTTP and direct transports sharing one port, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → sniff first byte
//	  '{'  → direct session: read message → Engine.Exec → deliver stream → next message
//	  else → net/http: POST <path> → HTTPAdapter → Engine.Exec → deliver stream → end of body
//	                   GET  <path>/ws → websocket → direct session
//
// Engine.Exec runs middleware(middleware(...(dispatch))) in its own goroutine and yields any pushed
// messages followed by the answer.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"duorpc/config"
	"duorpc/message"
	"duorpc/middleware"
	"duorpc/registry"
	"duorpc/stats"
)

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logr.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithStats shares a statistics registry, e.g. between several servers.
func WithStats(reg *stats.Registry) Option {
	return func(s *Server) { s.stats = reg }
}

// WithCustomStats adds application values to the stats page, next to the "server" entry.
func WithCustomStats(fn func() map[string]any) Option {
	return func(s *Server) { s.customStats = fn }
}

// WithRegistry advertises the server under cfg.Service while it is serving.
func WithRegistry(reg registry.Registry, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.ttl = ttl
	}
}

// Server is the RPC server. Methods must be registered and middlewares added before the first
// call to Handler or Serve.
type Server struct {
	cfg         config.Server
	log         logr.Logger
	methods     *serviceMap
	middlewares []middleware.Middleware
	stats       *stats.Registry
	customStats func() map[string]any
	upgrader    websocket.Upgrader

	registry registry.Registry
	ttl      int64
	instance *registry.ServiceInstance // what was advertised, nil if nothing

	buildOnce sync.Once
	engine    *Engine
	httpRPC   *HTTPAdapter
	direct    *DirectAdapter
	handler   http.Handler

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	sniffing map[net.Conn]struct{} // accepted, protocol not known yet
	httpLn   *chanListener
	httpSrv  *http.Server

	wg       sync.WaitGroup // sniffing connections and live sessions
	shutdown atomic.Bool
	stopOnce sync.Once
}

// New creates a server with an empty method set.
func New(cfg config.Server, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		log:      logr.Discard(),
		methods:  newServiceMap(),
		sessions: make(map[*session]struct{}),
		sniffing: make(map[net.Conn]struct{}),
		ttl:      10,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stats == nil {
		s.stats = stats.New()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	s.httpSrv = &http.Server{ReadHeaderTimeout: 30 * time.Second}
	return s
}

// Register adds fn under name. See methodType for the accepted signatures.
func (s *Server) Register(name string, fn any) error {
	m, err := newMethod(name, reflect.ValueOf(fn))
	if err != nil {
		return err
	}
	return s.methods.add(m)
}

// RegisterService adds every suitable exported method of rcvr (e.g. &Arith{}) as "Arith.Method".
func (s *Server) RegisterService(rcvr any) error {
	_, err := s.methods.registerService(rcvr)
	return err
}

// Use registers a middleware. Middlewares are applied in the order they are added, inside the
// logging and rate limiting and outside the timeout.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Methods lists the registered methods sorted by name.
func (s *Server) Methods() []MethodInfo { return s.methods.list() }

// Stats returns the per-method statistics.
func (s *Server) Stats() *stats.Registry { return s.stats }

// build assembles the engine, the adapters and the HTTP routes once.
func (s *Server) build() {
	s.buildOnce.Do(func() {
		mws := []middleware.Middleware{middleware.LoggingMiddleware(s.log.WithName("call"))}
		if s.cfg.RateLimit > 0 {
			mws = append(mws, middleware.RateLimitMiddleware(s.cfg.RateLimit, s.cfg.RateBurst))
		}
		mws = append(mws, s.middlewares...)
		if s.cfg.Timeout > 0 {
			mws = append(mws, middleware.TimeOutMiddleware(s.cfg.Timeout.Std()))
		}
		mws = append(mws, middleware.RecoverMiddleware(s.log))

		s.engine = newEngine(s.methods, mws)
		s.httpRPC = NewHTTPAdapter(s.engine, s.stats, s.cfg.MaxReqSize, s.log.WithName("http"))
		s.direct = NewDirectAdapter(s.engine, s.stats, int(s.cfg.MaxReqSize), s.log.WithName("direct"))
		s.handler = s.routes()
		s.httpSrv.Handler = s.handler
	})
}

// Handler returns the HTTP side of the server for embedding into another http.Server.
func (s *Server) Handler() http.Handler {
	s.build()
	return s.handler
}

func (s *Server) rpcPath() string { return strings.TrimSuffix(s.cfg.Path, "/") }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	rpc := http.HandlerFunc(s.serveRPC)
	if path := s.rpcPath(); path == "" {
		mux.Handle("/", rpc)
	} else {
		mux.Handle(path, rpc)
		mux.Handle(path+"/", rpc)
	}
	if s.cfg.StatsPath != "" {
		mux.HandleFunc(s.cfg.StatsPath, s.serveStats)
	}
	if s.cfg.MetricsPath != "" {
		mux.HandleFunc(s.cfg.MetricsPath, s.serveMetrics)
	}

	if len(s.cfg.CORSOrigins) == 0 {
		return mux
	}
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         600,
	})
	return c.Handler(mux)
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	vpath := strings.TrimPrefix(r.URL.Path, s.rpcPath())
	switch r.Method {
	case http.MethodPost:
		if vpath != "" && vpath != "/" {
			http.NotFound(w, r)
			return
		}
		s.httpRPC.ServeHTTP(w, r)
	case http.MethodGet, http.MethodHead:
		if vpath == "/ws" && s.cfg.EnableWS && websocket.IsWebSocketUpgrade(r) {
			s.serveWS(w, r)
			return
		}
		s.serveAux(w, r, vpath)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.CORSOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Serve listens on address and serves until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves connections accepted from ln. Each connection is sniffed: one that starts
// with a JSON object becomes a direct session, anything else is handed to net/http.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.build()

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	s.listener = ln
	s.httpLn = newChanListener(ln.Addr())
	httpLn := s.httpLn
	s.mu.Unlock()

	if err := s.advertise(ctx, ln.Addr()); err != nil {
		s.log.Error(err, "registry advertisement failed", "service", s.cfg.Service)
	}
	s.log.Info("serving", "addr", ln.Addr().String(), "path", s.cfg.Path, "direct", s.cfg.EnableDirect, "ws", s.cfg.EnableWS)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return s.acceptLoop(gctx, ln, httpLn)
	})
	g.Go(func() error {
		err := s.httpSrv.Serve(httpLn)
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown(s.cfg.ShutdownTimeout.Std())
	})
	return g.Wait()
}

// acceptLoop runs one goroutine per connection.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, httpLn *chanListener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// During shutdown, closing the listener makes Accept fail.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.route(ctx, conn, httpLn)
		}()
	}
}

func (s *Server) route(ctx context.Context, conn net.Conn, httpLn *chanListener) {
	if !s.cfg.EnableDirect {
		httpLn.push(conn)
		return
	}
	if !s.trackSniff(conn, true) {
		conn.Close()
		return
	}
	br := bufio.NewReader(conn)
	direct, err := sniff(conn, br, s.cfg.SniffTimeout.Std(), s.shutdown.Load)
	s.trackSniff(conn, false)
	if err != nil {
		conn.Close()
		return
	}
	if !direct {
		httpLn.push(&peekedConn{Conn: conn, r: br})
		return
	}
	s.runSession(ctx, newSession(br, bufio.NewWriter(conn), conn), "direct", conn.RemoteAddr().String())
}

// runSession serves a persistent connection until it ends.
func (s *Server) runSession(ctx context.Context, sess *session, kind, remote string) {
	if !s.track(sess) {
		sess.Close()
		return
	}
	defer s.untrack(sess)

	log := s.log.WithValues("session", sess.id, "transport", kind, "remote", remote)
	log.V(1).Info("session opened")
	err := s.direct.Serve(ctx, sess)
	sess.Flush()
	sess.Close()
	if err != nil && !s.shutdown.Load() {
		log.V(1).Info("session closed", "err", err.Error())
		return
	}
	log.V(1).Info("session closed")
}

// trackSniff adds or removes a connection whose protocol is not known yet. Adding fails once the
// server is stopping.
func (s *Server) trackSniff(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		delete(s.sniffing, conn)
		return true
	}
	if s.shutdown.Load() {
		return false
	}
	s.sniffing[conn] = struct{}{}
	return true
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) liveSessions() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Notify broadcasts a notification to every live direct and websocket session and returns how
// many received it. Sessions failing the write are closed.
func (s *Server) Notify(method string, params any) (int, error) {
	msg, err := message.NewNotification(method, params)
	if err != nil {
		return 0, err
	}
	data := append([]byte(msg.String()), '\n')

	n := 0
	for _, sess := range s.liveSessions() {
		if err := sess.push(data); err != nil {
			s.log.V(1).Info("broadcast failed", "session", sess.id, "err", err.Error())
			sess.Close()
			continue
		}
		n++
	}
	return n, nil
}

// advertise registers this server under cfg.Service.
func (s *Server) advertise(ctx context.Context, addr net.Addr) error {
	if s.registry == nil || s.cfg.Service == "" {
		return nil
	}
	inst := registry.ServiceInstance{
		Addr:    s.cfg.Advertise,
		Weight:  s.cfg.Weight,
		Version: s.cfg.Version,
	}
	if inst.Addr == "" {
		inst.Addr = "http://" + addr.String() + s.cfg.Path
	}
	if err := s.registry.Register(ctx, s.cfg.Service, inst, s.ttl); err != nil {
		return err
	}
	s.mu.Lock()
	s.instance = &inst
	s.mu.Unlock()
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop routing to this server)
//  2. Set the shutdown flag and close the listener (stop accepting connections)
//  3. Let HTTP requests in flight finish, stop reading from sessions
//  4. Wait for in-flight exchanges to finish (with timeout), then drop what is left
//
// Only the first call has an effect.
func (s *Server) Shutdown(timeout time.Duration) error {
	var err error
	s.stopOnce.Do(func() { err = s.stop(timeout) })
	return err
}

func (s *Server) stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()
	if inst != nil {
		if err := s.registry.Deregister(ctx, s.cfg.Service, inst.Addr); err != nil {
			errs = append(errs, fmt.Errorf("deregister: %w", err))
		}
	}

	// Set the flag BEFORE closing the listener so the Accept error is recognized as intentional.
	s.mu.Lock()
	s.shutdown.Store(true)
	ln, httpLn := s.listener, s.httpLn
	// Connections still being sniffed have sent nothing useful yet; release them now.
	for conn := range s.sniffing {
		conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	if httpLn != nil {
		httpLn.Close()
	}

	sessions := s.liveSessions()
	for _, sess := range sessions {
		sess.closeRead()
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		for _, sess := range s.liveSessions() {
			sess.Close()
		}
		errs = append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}
	s.log.Info("server stopped")
	return errors.Join(errs...)
}

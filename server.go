package miltertap

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tapmail/miltertap/internal/config"
)

// Server supervises milter sessions: it accepts connections, runs one
// session goroutine per connection and coordinates shutdown. Sessions never
// share mutable state; the config store is the only cross-session value and
// it is read atomically.
type Server struct {
	store *config.Store
	log   *zap.Logger

	// OnMessage, when set, receives every completed message report in
	// addition to the structured log record. Used by the analysis pipeline
	// hookup and by tests.
	OnMessage func(*Report)

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}

	done     chan struct{}
	shutOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a supervisor reading its settings from store. A nil
// logger disables logging.
func NewServer(store *config.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		store: store,
		log:   log,
		conns: make(map[net.Conn]struct{}),
		done:  make(chan struct{}),
	}
}

// ListenAndServe binds every configured endpoint and serves until Shutdown
// is called or a listener fails. Endpoints are served concurrently; a bare
// port in the config binds both address families.
func (s *Server) ListenAndServe() error {
	addrs := s.store.Current().ListenAddrs()

	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return err
		}
		s.log.Info("listening", zap.String("addr", l.Addr().String()))
		listeners = append(listeners, l)
	}

	var g errgroup.Group
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			return s.Serve(l)
		})
	}
	return g.Wait()
}

// Serve runs the accept loop on l. Each accepted connection gets its own
// session goroutine with the idle timeout in effect at accept time.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.closing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		cfg := s.store.Current()
		sess := &session{
			srv:         s,
			conn:        conn,
			idleTimeout: cfg.IdleTimeout(),
			log: s.log.With(
				zap.String("session", uuid.NewString()),
				zap.String("peer", conn.RemoteAddr().String()),
			),
		}

		sessionsOpened.Inc()
		sessionsActive.Inc()
		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer sessionsActive.Dec()
			defer s.trackConn(conn, false)
			sess.log.Info("session started")
			sess.run()
			sess.log.Info("session closed")
		}()
	}
}

// Shutdown stops accepting connections and lets live sessions drain to
// their next frame boundary. Sessions still open when ctx expires are
// force-closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutOnce.Do(func() {
		close(s.done)
	})

	s.mu.Lock()
	for _, l := range s.listeners {
		l.Close()
	}
	s.listeners = nil
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		return ctx.Err()
	}
}

// Close is Shutdown without a drain grace period.
func (s *Server) Close() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Shutdown(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// report emits the structured record for one completed message and feeds
// the OnMessage hook.
func (s *Server) report(sess *session, r *Report) {
	messagesAnalyzed.Inc()

	fields := []zap.Field{
		zap.String("message", uuid.NewString()),
		zap.String("client_hostname", r.ClientHostname),
		zap.String("client_addr", r.ClientAddr),
		zap.String("helo", r.Helo),
		zap.String("envelope_from", r.EnvelopeFrom),
		zap.Strings("envelope_to", r.EnvelopeTo),
		zap.String("from", r.From),
		zap.String("to", r.To),
		zap.String("subject", r.Subject),
		zap.String("content_type", r.ContentType),
		zap.Int("text_parts", len(r.Texts)),
		zap.Int("other_parts", len(r.Parts)),
	}
	if len(r.Notes) > 0 {
		fields = append(fields, zap.Strings("decode_notes", r.Notes))
	}
	sess.log.Info("message analyzed", fields...)

	for i, t := range r.Texts {
		sess.log.Info("text part",
			zap.Int("index", i+1),
			zap.String("subtype", t.Subtype),
			zap.String("content", escapeNUL([]byte(t.Content))))
	}
	for i, p := range r.Parts {
		sess.log.Info("non-text part",
			zap.Int("index", i+1),
			zap.String("content_type", p.ContentType),
			zap.String("encoding", p.Encoding),
			zap.String("filename", p.Filename),
			zap.Int("size", p.Size))
	}

	if s.OnMessage != nil {
		s.OnMessage(r)
	}
}

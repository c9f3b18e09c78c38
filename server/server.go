// Package server implements the dispatcher/worker threading model of
// spec.md §4.8 (component C8) on top of Go's scheduler: one dispatcher
// goroutine per listening socket accepts connections and round-robins each
// to a fixed pool of worker goroutines; a connection is served by exactly
// one worker for its entire lifetime, same as the one-worker-per-thread
// rule the C reference enforces with notification pipes. Go's runtime
// multiplexes blocking I/O for us, so the "notification pipe" here is
// simply a buffered channel of accepted connections per worker.
package server

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/skipor/memcached/binprot"
	"github.com/skipor/memcached/cache"
	"github.com/skipor/memcached/log"
	memcached "github.com/skipor/memcached"
	"github.com/skipor/memcached/recycle"
)

// Config names the listening surface spec.md §6 enumerates. A zero value
// (empty string / 0) for any address disables that listener.
type Config struct {
	NumWorkers int

	ASCIIAddr    string // port
	ASCIIUDPAddr string // udpport; no listener is started for it
	BinaryAddr   string // binary_port
	BinaryUDPAddr string // binary_udpport
	UnixSocketPath string // socketpath

	MaxItemSize int
}

// Server owns the listeners, the worker pool, and the two protocol engines'
// shared dependencies (cache, connection-buffer pool, logger).
type Server struct {
	cfg   Config
	cache cache.Handler
	pool  *recycle.Pool
	log   log.Logger

	workers []chan net.Conn
	next    uint64

	listeners []net.Listener
	pconns    []net.PacketConn

	wg sync.WaitGroup
}

// New builds a Server bound to c and pool; it does not start listening
// until Run is called.
func New(l log.Logger, c cache.Handler, pool *recycle.Pool, cfg Config) *Server {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	s := &Server{cfg: cfg, cache: c, pool: pool, log: l}
	s.workers = make([]chan net.Conn, cfg.NumWorkers)
	for i := range s.workers {
		s.workers[i] = make(chan net.Conn, 16)
	}
	return s
}

// Run starts every configured listener and the worker pool, and blocks
// until ctx is cancelled (spec.md §4.8 cancellation: "the server exits on
// SIGINT by calling the dispatcher's shutdown routine").
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for i, ch := range s.workers {
		s.wg.Add(1)
		go s.runWorker(i, ch)
	}

	if err := s.listenASCII(); err != nil {
		return err
	}
	if err := s.listenBinary(); err != nil {
		return err
	}
	if err := s.listenUnix(); err != nil {
		return err
	}
	if err := s.listenBinaryUDP(); err != nil {
		return err
	}

	<-ctx.Done()
	s.log.Info("Shutting down: closing listeners.")
	for _, l := range s.listeners {
		l.Close()
	}
	for _, p := range s.pconns {
		p.Close()
	}
	for _, ch := range s.workers {
		close(ch)
	}
	s.wg.Wait()
	return nil
}

// dispatch round-robins conn to the next worker's queue (spec.md §4.8:
// "round-robins accepted connections to N worker threads").
func (s *Server) dispatch(conn net.Conn) {
	i := atomic.AddUint64(&s.next, 1) % uint64(len(s.workers))
	s.workers[i] <- conn
}

func (s *Server) runWorker(id int, ch chan net.Conn) {
	defer s.wg.Done()
	for conn := range ch {
		s.serveStream(conn)
	}
}

// connKind selects which protocol engine a stream listener's accepted
// connections are served with.
type connKind int

const (
	kindASCII connKind = iota
	kindBinary
)

func (s *Server) serveStream(conn net.Conn) {
	// The listener that produced conn tags it via connWithKind below.
	if tagged, ok := conn.(*connWithKind); ok {
		switch tagged.kind {
		case kindBinary:
			binprot.NewConn(s.log, s.cache, s.pool, tagged.Conn).Serve()
			return
		}
		conn = tagged.Conn
	}
	m := memcached.NewConnMeta(s.cache, s.pool, s.cfg.MaxItemSize)
	memcached.Serve(s.log, m, conn)
}

// connWithKind threads the accepting listener's protocol choice through
// the worker dispatch channel without a second map lookup.
type connWithKind struct {
	net.Conn
	kind connKind
}

func (s *Server) listenASCII() error {
	if s.cfg.ASCIIAddr == "" {
		return nil
	}
	return s.listenStream(s.cfg.ASCIIAddr, kindASCII)
}

func (s *Server) listenBinary() error {
	if s.cfg.BinaryAddr == "" {
		return nil
	}
	return s.listenStream(s.cfg.BinaryAddr, kindBinary)
}

func (s *Server) listenUnix() error {
	if s.cfg.UnixSocketPath == "" {
		return nil
	}
	os.Remove(s.cfg.UnixSocketPath)
	l, err := net.Listen("unix", s.cfg.UnixSocketPath)
	if err != nil {
		return err
	}
	s.listeners = append(s.listeners, l)
	go s.acceptLoop(l, kindASCII)
	return nil
}

func (s *Server) listenStream(addr string, kind connKind) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listeners = append(s.listeners, l)
	go s.acceptLoop(l, kind)
	return nil
}

// acceptLoop is the dispatcher thread of spec.md §4.8: "one dispatcher
// thread runs the listening sockets".
func (s *Server) acceptLoop(l net.Listener, kind connKind) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		s.log.Debugf("Accepted connection from %v.", conn.RemoteAddr())
		s.dispatch(&connWithKind{Conn: conn, kind: kind})
	}
}

func (s *Server) listenBinaryUDP() error {
	if s.cfg.BinaryUDPAddr == "" {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", s.cfg.BinaryUDPAddr)
	if err != nil {
		return err
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.pconns = append(s.pconns, pc)
	go s.udpLoop(pc)
	return nil
}

// udpLoop reads datagrams on one goroutine and handles each one, per
// spec.md §6's UDP datagram prefix rules, on a goroutine of its own; it is
// not dispatched to the worker pool since a UDP socket has no notion of a
// long-lived per-connection worker.
func (s *Server) udpLoop(pc *net.UDPConn) {
	buf := make([]byte, 64*1024)
	handler := binprot.NewUDPHandler(s.log, s.cache)
	for {
		n, addr, err := pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		datagram := append([]byte(nil), buf[:n]...)
		go func(d []byte, from *net.UDPAddr) {
			replies := handler.Handle(d)
			for _, r := range replies {
				pc.WriteToUDP(r, from)
			}
		}(datagram, addr)
	}
}

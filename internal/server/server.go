// Package server provides accounts information to local clients over a Unix
// stream socket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/yansir/accounts-proxy/internal/accounts"
	"github.com/yansir/accounts-proxy/internal/cache"
	"github.com/yansir/accounts-proxy/internal/config"
	"github.com/yansir/accounts-proxy/internal/events"
	"github.com/yansir/accounts-proxy/internal/metrics"
)

// AccountsClient is the upstream surface the server depends on.
type AccountsClient interface {
	UsersAndGroups(ctx context.Context, forUser string) ([]*accounts.User, []*accounts.Group, error)
	AuthorizedKeys(ctx context.Context, username string) (accounts.AuthorizedKeys, error)
}

// Server owns the listener, the cache, and the background refresh task.
// Serve/Shutdown may be called again after a shutdown completes.
type Server struct {
	cfg   *config.Config
	api   AccountsClient
	cache *cache.Cache
	bus   *events.Bus
	logs  *events.LogHandler

	mu          sync.Mutex
	serving     bool
	listener    net.Listener
	stop        chan struct{}
	stopOnce    *sync.Once
	fatalOnce   *sync.Once
	fatalErr    error
	refreshDone chan struct{}

	conns sync.WaitGroup
}

// New builds a Server. logs may be nil when no debug listener is configured.
func New(cfg *config.Config, api AccountsClient, bus *events.Bus, logs *events.LogHandler) *Server {
	if bus == nil {
		bus = events.NewBus(200)
	}
	return &Server{
		cfg:   cfg,
		api:   api,
		cache: cache.New(),
		bus:   bus,
		logs:  logs,
	}
}

// Serve performs the initial cache refresh, starts the refresh task, and
// accepts connections until Shutdown or a fatal error. It returns the first
// fatal error escalated by a handler or the refresh task, nil on a clean
// shutdown, and a lifecycle error when already serving.
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return accounts.Lifecyclef("already serving")
	}
	s.serving = true
	s.stop = make(chan struct{})
	s.stopOnce = new(sync.Once)
	s.fatalOnce = new(sync.Once)
	s.fatalErr = nil
	s.listener = nil
	s.refreshDone = make(chan struct{})
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.serving = false
		s.mu.Unlock()
	}()

	slog.Info("starting accounts proxy", "socket", s.cfg.SocketPath)

	ln, err := s.listen()
	if err != nil {
		close(s.refreshDone)
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	// A Shutdown racing the startup sequence closes stop before the
	// listener exists; honor it here.
	select {
	case <-s.stop:
		ln.Close()
	default:
	}

	// Initial synchronous refresh. A lookup failure leaves the cache empty
	// until the next scheduled refresh; anything else aborts startup.
	if err := s.refresh(context.Background(), ""); err != nil {
		if !accounts.IsLookup(err) {
			s.terminate()
			close(s.refreshDone)
			return err
		}
		slog.Warn("initial refresh failed", "error", err)
	}

	go s.refreshLoop()

	var debug *debugServer
	if s.cfg.DebugAddr != "" {
		debug = s.startDebug()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.fatal(fmt.Errorf("accept failed: %w", err))
			}
			break
		}
		s.conns.Add(1)
		go s.handleConn(conn)
	}

	s.terminate()
	<-s.refreshDone
	s.conns.Wait()
	if debug != nil {
		debug.close()
	}

	s.mu.Lock()
	err = s.fatalErr
	s.mu.Unlock()
	slog.Info("accounts proxy stopped")
	return err
}

// Shutdown stops accepting connections and waits for the refresh task to
// exit. The shutdown does not remove the socket file; the next Serve unlinks
// it before binding.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if !s.serving {
		s.mu.Unlock()
		return accounts.Lifecyclef("not serving")
	}
	done := s.refreshDone
	s.mu.Unlock()

	slog.Info("shutting down accounts proxy")
	s.terminate()
	<-done
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("unlinking socket failed: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("binding socket failed: %w", err)
	}
	return netutil.LimitListener(ln, s.cfg.MaxClients), nil
}

// terminate wakes the refresh task and stops the accept loop. Idempotent
// within one Serve.
func (s *Server) terminate() {
	s.mu.Lock()
	once, ln, stop := s.stopOnce, s.listener, s.stop
	s.mu.Unlock()
	once.Do(func() {
		close(stop)
		if ln != nil {
			ln.Close()
		}
	})
}

// fatal records the first non-lookup failure and tears the server down. The
// recorded error is returned from Serve.
func (s *Server) fatal(err error) {
	s.mu.Lock()
	once := s.fatalOnce
	s.mu.Unlock()
	once.Do(func() {
		slog.Error("fatal error; shutting down", "error", err)
		s.mu.Lock()
		s.fatalErr = err
		s.mu.Unlock()
		s.bus.Publish(events.Event{Type: events.EventFatal, Message: err.Error()})
		s.terminate()
	})
}

// refresh fetches users and groups and installs them as the new snapshot.
// forUser is set when a missing-user lookup triggered the refresh.
func (s *Server) refresh(ctx context.Context, forUser string) error {
	slog.Info("refreshing users and groups", "forUser", forUser)
	users, groups, err := s.api.UsersAndGroups(ctx, forUser)
	if err != nil {
		metrics.Refreshes.WithLabelValues("error").Inc()
		s.bus.Publish(events.Event{Type: events.EventFetchFailed, User: forUser, Message: err.Error()})
		return err
	}
	s.cache.Replace(users, groups)
	metrics.Refreshes.WithLabelValues("ok").Inc()
	s.bus.Publish(events.Event{
		Type:    events.EventRefresh,
		Message: fmt.Sprintf("%d users, %d groups", len(users), len(groups)),
	})
	return nil
}

// refreshLoop keeps the cache warm. Lookup failures are transient and only
// logged; anything else is fatal to the whole server.
func (s *Server) refreshLoop() {
	defer close(s.refreshDone)
	timer := time.NewTimer(s.cfg.RefreshInterval)
	defer timer.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-timer.C:
		}
		if err := s.refresh(context.Background(), ""); err != nil {
			if !accounts.IsLookup(err) {
				s.fatal(err)
				return
			}
			slog.Warn("scheduled refresh failed", "error", err)
		}
		timer.Reset(s.cfg.RefreshInterval)
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yansir/accounts-proxy/internal/accounts"
	"github.com/yansir/accounts-proxy/internal/events"
	"github.com/yansir/accounts-proxy/internal/metrics"
)

// maxCommandBytes bounds a request line.
const maxCommandBytes = 128

const (
	statusOK          = "200"
	statusBadRequest  = "400"
	statusNotFound    = "404"
	statusServerError = "500"
)

var errMalformed = errors.New("malformed request")

var knownMethods = map[string]bool{
	"get_user_by_name":    true,
	"get_user_by_uid":     true,
	"get_users":           true,
	"get_group_by_name":   true,
	"get_group_by_gid":    true,
	"get_groups":          true,
	"get_account_names":   true,
	"is_account_name":     true,
	"get_authorized_keys": true,
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.conns.Done()
	defer conn.Close()
	log := slog.With("conn", uuid.NewString())
	defer func() {
		if r := recover(); r != nil {
			log.Error("unrecoverable error during request handling", "panic", r)
			s.fatal(fmt.Errorf("request handler panic: %v", r))
		}
	}()
	s.serveConn(conn, log)
}

// serveConn reads one command, executes it, and writes the framed response
// in a single send. The connection is closed by the caller afterwards.
func (s *Server) serveConn(conn net.Conn, log *slog.Logger) {
	start := time.Now()
	conn.SetReadDeadline(start.Add(s.cfg.SocketReadTimeout))

	buf := make([]byte, maxCommandBytes)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		log.Warn("error while reading command", "error", err)
		s.writeResponse(conn, log, statusBadRequest, nil)
		metrics.SocketRequests.WithLabelValues("unknown", statusBadRequest).Inc()
		return
	}
	command := string(buf[:n])
	log.Debug("command received", "command", command)
	method, arg, _ := strings.Cut(command, " ")

	metricMethod := method
	if !knownMethods[method] {
		metricMethod = "unknown"
	}

	lines, err := s.dispatch(method, arg, log)
	status := statusOK
	switch {
	case err == nil:
	case errors.Is(err, errMalformed):
		log.Warn("invalid command received", "command", command)
		status = statusBadRequest
		lines = nil
	case accounts.IsNotFound(err):
		log.Warn("requested user or group does not exist", "error", err)
		status = statusNotFound
		lines = nil
	case accounts.IsLookup(err):
		log.Warn("accounts lookup failed", "error", err)
		status = statusServerError
		lines = nil
	default:
		// Not part of the lookup taxonomy: escalate and write nothing.
		log.Error("unrecoverable error during request handling", "error", err)
		metrics.SocketRequests.WithLabelValues(metricMethod, "fatal").Inc()
		s.fatal(err)
		return
	}

	s.writeResponse(conn, log, status, lines)
	metrics.SocketRequests.WithLabelValues(metricMethod, status).Inc()
	log.Debug("request finished", "status", status, "duration", time.Since(start))
}

func (s *Server) dispatch(method, arg string, log *slog.Logger) ([]string, error) {
	ctx := context.Background()
	switch method {
	case "get_user_by_name":
		return s.getUserByName(ctx, arg, log)
	case "get_user_by_uid":
		uid, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, errMalformed
		}
		log.Info("getting user by uid", "uid", uid)
		u, err := s.cache.UserByUID(uid)
		if err != nil {
			return nil, err
		}
		return []string{u.PasswdLine()}, nil
	case "get_users":
		log.Info("getting users")
		var lines []string
		for _, u := range s.cache.Users() {
			lines = append(lines, u.PasswdLine())
		}
		return lines, nil
	case "get_group_by_name":
		log.Info("getting group by name", "name", arg)
		g, err := s.cache.GroupByName(arg)
		if err != nil {
			return nil, err
		}
		return []string{g.GroupLine()}, nil
	case "get_group_by_gid":
		gid, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, errMalformed
		}
		log.Info("getting group by gid", "gid", gid)
		g, err := s.cache.GroupByGID(gid)
		if err != nil {
			return nil, err
		}
		return []string{g.GroupLine()}, nil
	case "get_groups":
		log.Info("getting groups")
		var lines []string
		for _, g := range s.cache.Groups() {
			lines = append(lines, g.GroupLine())
		}
		return lines, nil
	case "get_account_names":
		log.Info("getting account names")
		return s.accountNames(), nil
	case "is_account_name":
		log.Info("validating account name", "name", arg)
		return nil, s.cache.ValidateAccountName(arg)
	case "get_authorized_keys":
		return s.getAuthorizedKeys(ctx, arg, log)
	default:
		return nil, errMalformed
	}
}

// getUserByName serves from the cache and, on a miss, performs exactly one
// targeted refresh before retrying. This is the only handler allowed to
// trigger an on-demand refresh.
func (s *Server) getUserByName(ctx context.Context, name string, log *slog.Logger) ([]string, error) {
	log.Info("getting user by name", "name", name)
	u, err := s.cache.UserByName(name)
	if err == nil {
		return []string{u.PasswdLine()}, nil
	}
	if !accounts.IsNotFound(err) {
		return nil, err
	}
	log.Warn("user not cached; refreshing", "name", name)
	if err := s.refresh(ctx, name); err != nil {
		return nil, err
	}
	u, err = s.cache.UserByName(name)
	if err != nil {
		return nil, err
	}
	return []string{u.PasswdLine()}, nil
}

// getAuthorizedKeys always asks the upstream first so sshd sees the newest
// keys. Backend and quota failures fall back to a fresh cache entry; an
// upstream not-found is final and never consults the cache.
func (s *Server) getAuthorizedKeys(ctx context.Context, name string, log *slog.Logger) ([]string, error) {
	log.Info("getting authorized keys", "user", name)
	entry, err := s.api.AuthorizedKeys(ctx, name)
	if err == nil {
		s.cache.PutAuthorizedKeys(name, entry)
		s.bus.Publish(events.Event{
			Type:    events.EventKeysFetched,
			User:    name,
			Message: fmt.Sprintf("%d keys", len(entry.Keys)),
		})
		return entry.Keys, nil
	}
	if accounts.IsNotFound(err) || !accounts.IsLookup(err) {
		return nil, err
	}
	log.Warn("fetching keys failed; falling back to cache", "user", name, "error", err)
	cached, cacheErr := s.cache.AuthorizedKeys(name)
	if cacheErr != nil {
		// Surface the fetch failure, not the cache miss.
		return nil, err
	}
	return cached.Keys, nil
}

// accountNames returns the union of user and group names, each once.
func (s *Server) accountNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, u := range s.cache.Users() {
		if _, ok := seen[u.Name]; !ok {
			seen[u.Name] = struct{}{}
			names = append(names, u.Name)
		}
	}
	for _, g := range s.cache.Groups() {
		if _, ok := seen[g.Name]; !ok {
			seen[g.Name] = struct{}{}
			names = append(names, g.Name)
		}
	}
	return names
}

// writeResponse frames the status line and body lines and writes them in one
// send. Write failures are logged only; the client is already gone.
func (s *Server) writeResponse(conn net.Conn, log *slog.Logger, status string, lines []string) {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.SocketReadTimeout))
	payload := status
	if len(lines) > 0 {
		payload += "\n" + strings.Join(lines, "\n")
	}
	if _, err := conn.Write([]byte(payload)); err != nil {
		log.Warn("error while writing response", "error", err)
	}
}

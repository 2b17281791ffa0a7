package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/ipc"
	"github.com/kagan-dev/kagan/internal/logging"
)

// Server owns the IPC accept loop: one goroutine per connection, framed
// request/response, bearer-token authentication before anything else.
type Server struct {
	listener     *ipc.Listener
	dispatcher   *Dispatcher
	token        string
	maxLineBytes int
	log          *logging.Logger

	ready atomic.Bool
	group errgroup.Group
}

// New creates a server. token is the per-request bearer token published in
// the endpoint descriptor.
func New(listener *ipc.Listener, dispatcher *Dispatcher, token string, maxLineBytes int, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	if maxLineBytes < ipc.MinLineBytes {
		maxLineBytes = ipc.MinLineBytes
	}
	return &Server{
		listener:     listener,
		dispatcher:   dispatcher,
		token:        token,
		maxLineBytes: maxLineBytes,
		log:          log.WithComponent("server"),
	}
}

// SetReady flips the readiness gate. Requests before readiness get
// NOT_READY; the connection stays open so launchers can poll.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		s.group.Go(func() error {
			s.handleConn(ctx, conn)
			return nil
		})
	}

	return s.group.Wait()
}

// handleConn runs the request loop for one connection. Every line is one
// request; every request gets exactly one response carrying its request_id.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := ipc.NewLineScanner(conn, s.maxLineBytes)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req ipc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.log.Warn("dropping malformed request", "error", err)
			if werr := ipc.WriteMessage(writer, ipc.ErrorResponse("", core.CodeInvalidParams,
				"malformed request: "+err.Error())); werr != nil {
				return
			}
			continue
		}

		resp := s.process(ctx, &req)
		if err := ipc.WriteMessage(writer, resp); err != nil {
			s.log.Debug("writing response failed", "error", err)
			return
		}
	}
}

func (s *Server) process(ctx context.Context, req *ipc.Request) ipc.Response {
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.token)) != 1 {
		return ipc.ErrorResponse(req.RequestID, core.CodeAuthFailed, "invalid token")
	}
	if !s.ready.Load() {
		return ipc.ErrorResponse(req.RequestID, core.CodeNotReady, "core is starting up")
	}
	return s.dispatcher.Dispatch(ctx, req)
}

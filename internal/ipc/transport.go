package ipc

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/kagan-dev/kagan/internal/logging"
)

// handshakeTimeout bounds the TCP pre-auth read.
const handshakeTimeout = 5 * time.Second

// handshakeAck is written after a successful TCP handshake.
const handshakeAck = "OK\n"

// Listener wraps a net.Listener with the transport metadata clients need.
type Listener struct {
	net.Listener
	Transport      string
	Address        string
	Port           *int
	HandshakeToken string

	socketPath string
	log        *logging.Logger
}

// Listen picks the transport for this OS (unix socket on POSIX, loopback TCP
// on Windows or when forced) and starts listening.
func Listen(socketPath string, forceTCP bool, log *logging.Logger) (*Listener, error) {
	if log == nil {
		log = logging.NewNop()
	}
	if forceTCP || runtime.GOOS == "windows" {
		return listenTCP(log)
	}
	return listenUnix(socketPath, log)
}

func listenUnix(socketPath string, log *logging.Logger) (*Listener, error) {
	// A stale socket file from a dead core blocks bind; unlink it first.
	// The instance lock guarantees no live core owns it.
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("binding unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}

	return &Listener{
		Listener:   ln,
		Transport:  TransportSocket,
		Address:    socketPath,
		socketPath: socketPath,
		log:        log,
	}, nil
}

func listenTCP(log *logging.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("binding loopback listener: %w", err)
	}
	token, err := NewToken()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	return &Listener{
		Listener:       ln,
		Transport:      TransportTCP,
		Address:        "127.0.0.1",
		Port:           &port,
		HandshakeToken: token,
		log:            log,
	}, nil
}

// Accept waits for a connection and, on TCP, performs the handshake before
// handing it off. Failed handshakes close silently and Accept retries.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.Transport != TransportTCP {
			return conn, nil
		}
		if l.handshake(conn) {
			return conn, nil
		}
		_ = conn.Close()
	}
}

// handshake reads one token line within the deadline and compares it in
// constant time. The handshake token gates the socket-permission boundary
// that TCP lacks; it is distinct from the per-request bearer token.
func (l *Listener) handshake(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return false
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	reader := bufio.NewReaderSize(conn, 256)
	line, err := reader.ReadString('\n')
	if err != nil {
		l.log.Debug("handshake read failed", "error", err)
		return false
	}
	presented := strings.TrimSpace(line)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(l.HandshakeToken)) != 1 {
		l.log.Warn("handshake token mismatch", "remote", conn.RemoteAddr().String())
		return false
	}
	if _, err := conn.Write([]byte(handshakeAck)); err != nil {
		return false
	}
	return true
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	if l.socketPath != "" {
		if rmErr := os.Remove(l.socketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}

// Describe builds the endpoint descriptor for this listener.
func (l *Listener) Describe(pid int, bearerToken string) *Endpoint {
	return &Endpoint{
		Transport:      l.Transport,
		Address:        l.Address,
		Port:           l.Port,
		PID:            pid,
		Token:          bearerToken,
		HandshakeToken: l.HandshakeToken,
	}
}

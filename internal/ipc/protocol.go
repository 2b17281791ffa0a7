// Package ipc implements the core's client-facing transport: newline-framed
// JSON over a unix socket or loopback TCP, plus the discovery file and
// instance lock that let launchers find (or start) exactly one core.
package ipc

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kagan-dev/kagan/internal/core"
)

// MinLineBytes is the smallest line budget the framing layer accepts. Large
// read responses are common, so both sides must take at least 1 MiB lines.
const MinLineBytes = 1 << 20

// Request is the wire envelope every client call carries.
type Request struct {
	RequestID      string         `json:"request_id"`
	SessionID      string         `json:"session_id"`
	SessionProfile string         `json:"session_profile,omitempty"`
	SessionOrigin  string         `json:"session_origin,omitempty"`
	Capability     string         `json:"capability"`
	Method         string         `json:"method"`
	Params         map[string]any `json:"params"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Token          string         `json:"token"`
}

// WireError is the error half of a response envelope.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the wire envelope for results. Result stays raw so idempotent
// replays return the cached bytes unchanged.
type Response struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
}

// OKResponse builds a success envelope, marshaling result.
func OKResponse(requestID string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(requestID, core.CodeInternalError, "internal error")
	}
	return Response{RequestID: requestID, OK: true, Result: data}
}

// ErrorResponse builds an error envelope.
func ErrorResponse(requestID, code, message string) Response {
	return Response{RequestID: requestID, OK: false, Error: &WireError{Code: code, Message: message}}
}

// WriteMessage writes one JSON value as a single line and flushes. Writers
// must flush per message so a peer never blocks on a buffered frame.
func WriteMessage(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// NewLineScanner returns a scanner sized for the framing contract.
func NewLineScanner(r io.Reader, maxLineBytes int) *bufio.Scanner {
	if maxLineBytes < MinLineBytes {
		maxLineBytes = MinLineBytes
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return scanner
}

// unmarshalLine parses one framed JSON line.
func unmarshalLine(line []byte, v any) error {
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("parsing message: %w", err)
	}
	return nil
}

// NewToken returns a 32-byte random token in hex (64 characters).
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

package ipc

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestEndpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.endpoint.json")
	port := 4567
	ep := &Endpoint{
		Transport:      TransportTCP,
		Address:        "127.0.0.1",
		Port:           &port,
		PID:            os.Getpid(),
		Token:          "aa",
		HandshakeToken: "bb",
	}
	if err := WriteEndpoint(path, ep); err != nil {
		t.Fatalf("writing endpoint: %v", err)
	}

	got, err := ReadEndpoint(path)
	if err != nil {
		t.Fatalf("reading endpoint: %v", err)
	}
	if got.Transport != TransportTCP || got.Port == nil || *got.Port != 4567 {
		t.Errorf("endpoint not preserved: %+v", got)
	}
	if !ValidateEndpoint(got) {
		t.Error("endpoint for the current process should validate")
	}

	got.PID = 999999999
	if ValidateEndpoint(got) {
		t.Error("endpoint for a dead pid should not validate")
	}
}

func TestDiscoverIgnoresDeadCore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "core.endpoint.json")

	if ep := Discover(path); ep != nil {
		t.Errorf("missing file discovered endpoint %+v", ep)
	}

	dead := &Endpoint{Transport: TransportSocket, Address: "/tmp/x.sock", PID: 999999999, Token: "aa"}
	if err := WriteEndpoint(path, dead); err != nil {
		t.Fatalf("writing endpoint: %v", err)
	}
	if ep := Discover(path); ep != nil {
		t.Errorf("dead pid discovered endpoint %+v", ep)
	}

	CleanStaleEndpoint(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("stale endpoint file not removed")
	}
}

func TestWaitForEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "core.endpoint.json")

	go func() {
		time.Sleep(300 * time.Millisecond)
		ep := &Endpoint{Transport: TransportSocket, Address: "/tmp/x.sock", PID: os.Getpid(), Token: "aa"}
		_ = WriteEndpoint(path, ep)
	}()

	ep, err := WaitForEndpoint(context.Background(), path, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting for endpoint: %v", err)
	}
	if ep.PID != os.Getpid() {
		t.Errorf("unexpected endpoint %+v", ep)
	}

	_, err = WaitForEndpoint(context.Background(), filepath.Join(dir, "never.json"), 300*time.Millisecond)
	if err == nil {
		t.Error("expected deadline error for absent endpoint")
	}
}

func TestUnixSocketTransport(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets unavailable")
	}
	sock := filepath.Join(t.TempDir(), "core.sock")
	ln, err := Listen(sock, false, nil)
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer ln.Close()

	if ln.Transport != TransportSocket {
		t.Fatalf("expected socket transport, got %s", ln.Transport)
	}
	info, err := os.Stat(sock)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("socket permissions %v, want 0600", info.Mode().Perm())
	}

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		w := bufio.NewWriter(conn)
		done <- WriteMessage(w, OKResponse("r1", map[string]any{"pong": true}))
	}()

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	scanner := NewLineScanner(conn, 0)
	if !scanner.Scan() {
		t.Fatalf("reading frame: %v", scanner.Err())
	}
	var resp Response
	if err := unmarshalLine(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("parsing frame: %v", err)
	}
	if resp.RequestID != "r1" || !resp.OK {
		t.Errorf("unexpected response %+v", resp)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server side: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server goroutine")
	}
}

func TestUnixSocketUnlinksStaleFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets unavailable")
	}
	sock := filepath.Join(t.TempDir(), "core.sock")
	if err := os.WriteFile(sock, []byte("stale"), 0o600); err != nil {
		t.Fatalf("seeding stale file: %v", err)
	}
	ln, err := Listen(sock, false, nil)
	if err != nil {
		t.Fatalf("listening over stale socket: %v", err)
	}
	_ = ln.Close()
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Error("socket file not removed on close")
	}
}

func TestTCPHandshake(t *testing.T) {
	ln, err := Listen("", true, nil)
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer ln.Close()

	if ln.Transport != TransportTCP || ln.Port == nil {
		t.Fatalf("unexpected listener %+v", ln)
	}
	if len(ln.HandshakeToken) != 64 {
		t.Errorf("handshake token length %d, want 64", len(ln.HandshakeToken))
	}

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	// A wrong token is dropped silently; Accept keeps waiting.
	bad, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	if _, err := bad.Write([]byte("not-the-token\n")); err != nil {
		t.Fatalf("writing bad token: %v", err)
	}
	buf := make([]byte, 8)
	_ = bad.SetReadDeadline(time.Now().Add(time.Second))
	if n, _ := bad.Read(buf); n != 0 {
		t.Errorf("bad handshake received %q", buf[:n])
	}
	_ = bad.Close()

	good, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer good.Close()
	if _, err := good.Write([]byte(ln.HandshakeToken + "\n")); err != nil {
		t.Fatalf("writing token: %v", err)
	}
	ack := make([]byte, 3)
	_ = good.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := good.Read(ack); err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	if string(ack) != handshakeAck {
		t.Errorf("unexpected ack %q", ack)
	}

	select {
	case conn := <-accepted:
		_ = conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("good handshake never accepted")
	}
}

func TestAcquireStartSlot(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "core.start.lock")
	epPath := filepath.Join(dir, "core.endpoint.json")
	ctx := context.Background()

	// No core, no contention: the lock is ours.
	lock, ep, err := AcquireStartSlot(ctx, lockPath, epPath)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lock == nil || ep != nil {
		t.Fatalf("expected the lock, got lock=%v ep=%+v", lock, ep)
	}

	// A core comes up and advertises; the next launcher gets its endpoint
	// without touching the lock.
	live := &Endpoint{Transport: TransportSocket, Address: "/tmp/x.sock", PID: os.Getpid(), Token: "aa"}
	if err := WriteEndpoint(epPath, live); err != nil {
		t.Fatal(err)
	}
	lock2, ep2, err := AcquireStartSlot(ctx, lockPath, epPath)
	if err != nil {
		t.Fatalf("acquire with live core: %v", err)
	}
	if lock2 != nil || ep2 == nil || ep2.PID != os.Getpid() {
		t.Fatalf("expected the endpoint, got lock=%v ep=%+v", lock2, ep2)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestAcquireStartSlotWaitsForWinner(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "core.start.lock")
	epPath := filepath.Join(dir, "core.endpoint.json")

	// Another launcher (a foreign pid, fresh mtime) is mid-boot.
	if err := os.WriteFile(lockPath, []byte("999999999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(300 * time.Millisecond)
		ep := &Endpoint{Transport: TransportSocket, Address: "/tmp/x.sock", PID: os.Getpid(), Token: "aa"}
		_ = WriteEndpoint(epPath, ep)
	}()

	lock, ep, err := AcquireStartSlot(context.Background(), lockPath, epPath)
	if err != nil {
		t.Fatalf("blocked launcher: %v", err)
	}
	if lock != nil || ep == nil {
		t.Fatalf("expected the winner's endpoint, got lock=%v ep=%+v", lock, ep)
	}
}

func TestInstanceLockSamePIDNeverContends(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "kagan.lock")
	leasePath := filepath.Join(dir, "core.lease.json")

	first := NewInstanceLock(lockPath, leasePath, nil)
	if err := first.Acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.Release()

	// A second handle in the same process sees its own PID in the lease.
	second := NewInstanceLock(lockPath, leasePath, nil)
	if err := second.Acquire(); err != nil {
		t.Errorf("same-pid acquire should succeed: %v", err)
	}
}

func TestStartLockStaleTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.start.lock")

	// A lock owned by another (fictional) pid with a fresh mtime blocks.
	if err := os.WriteFile(path, []byte("999999999\n"), 0o600); err != nil {
		t.Fatalf("seeding lock: %v", err)
	}
	s := NewStartLock(path)
	ok, err := s.TryAcquire()
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if ok {
		t.Fatal("fresh foreign start lock should block")
	}

	// Aging the file past the staleness window releases it.
	old := time.Now().Add(-2 * startLockStaleAfter)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("aging lock: %v", err)
	}
	ok, err = s.TryAcquire()
	if err != nil {
		t.Fatalf("try acquire stale: %v", err)
	}
	if !ok {
		t.Fatal("stale start lock should be taken over")
	}

	// Own lock re-acquires and releases cleanly.
	ok, err = s.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("own lock should re-acquire: %v %v", ok, err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("start lock not removed")
	}
}

package testutil

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// LineClient speaks the CRLF line protocol for integration tests.
type LineClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// NewLineClient dials addr and returns a test client closed at test cleanup.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected LineClient or fails the test.
func NewLineClient(t *testing.T, addr string) *LineClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}
	t.Logf("line client connected to %s [%s]", addr, time.Since(start))
	return WrapLineClient(t, conn)
}

// WrapLineClient adopts an existing connection.
func WrapLineClient(t *testing.T, conn net.Conn) *LineClient {
	t.Helper()
	t.Cleanup(func() {
		conn.Close()
	})
	return &LineClient{conn: conn, reader: bufio.NewReader(conn), t: t}
}

// TCPPair returns both ends of a loopback TCP connection: the accepted
// server side and a LineClient on the dialing side.
func TCPPair(t *testing.T) (net.Conn, *LineClient) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client := NewLineClient(t, ln.Addr().String())
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		server.Close()
	})
	return server, client
}

// Conn exposes the underlying connection.
func (c *LineClient) Conn() net.Conn { return c.conn }

// Send writes text followed by \r\n.
//
// Precondition: text should not contain trailing newline characters.
func (c *LineClient) Send(text string) {
	c.t.Helper()
	c.SendRaw(text + "\r\n")
}

// SendRaw writes data exactly as given.
func (c *LineClient) SendRaw(data string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprint(c.conn, data); err != nil {
		c.t.Fatalf("sending %q: %v", data, err)
	}
}

// ReadLine returns the next line with its terminator removed.
//
// Postcondition: Returns the line, or fails the test on timeout.
func (c *LineClient) ReadLine(timeout time.Duration) string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("reading line: got %q, error: %v", line, err)
	}
	return strings.TrimRight(line, "\r\n")
}

// TryReadLine is ReadLine without failing the test.
func (c *LineClient) TryReadLine(timeout time.Duration) (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

// ReadUntil reads lines until one contains substr and returns everything read.
//
// Precondition: substr must be non-empty.
func (c *LineClient) ReadUntil(substr string, timeout time.Duration) string {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var buf strings.Builder
	for {
		_ = c.conn.SetReadDeadline(deadline)
		line, err := c.reader.ReadString('\n')
		buf.WriteString(line)
		if strings.Contains(line, substr) {
			return buf.String()
		}
		if err != nil {
			c.t.Fatalf("reading until %q: got %q, error: %v", substr, buf.String(), err)
		}
	}
}

// Close closes the underlying connection.
func (c *LineClient) Close() {
	c.conn.Close()
}

package nntp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/javi11/nzbcore/internal/model"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts one connection on ln and drives it with a scripted
// request/response exchange, the same net.Pipe/net.Listen harness style
// used for local transport tests elsewhere in the corpus.
func fakeServer(t *testing.T, ln net.Listener, script func(r *bufio.Reader, w *bufio.Writer)) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		script(r, w)
	}()
}

func writeLine(t *testing.T, w *bufio.Writer, line string) {
	t.Helper()
	_, err := w.WriteString(line + "\r\n")
	require.NoError(t, err)
	require.NoError(t, w.Flush())
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestConnectNoAuth(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fakeServer(t, ln, func(r *bufio.Reader, w *bufio.Writer) {
		writeLine(t, w, "200 welcome")
	})

	host, port := splitAddr(t, ln.Addr().String())
	c := New(Config{Host: host, Port: port, Timeout: 2 * time.Second}, nil)
	err = c.Connect(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, StatusConnected, c.Status())
}

func TestConnectAuthSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fakeServer(t, ln, func(r *bufio.Reader, w *bufio.Writer) {
		writeLine(t, w, "200 welcome")
		require.Contains(t, readLine(t, r), "AUTHINFO USER alice")
		writeLine(t, w, "381 more")
		require.Contains(t, readLine(t, r), "AUTHINFO PASS secret")
		writeLine(t, w, "281 ok")
	})

	host, port := splitAddr(t, ln.Addr().String())
	c := New(Config{Host: host, Port: port, User: "alice", Password: "secret", Timeout: 2 * time.Second}, nil)
	require.NoError(t, c.Connect(context.Background(), nil))
}

func TestConnectAuthRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fakeServer(t, ln, func(r *bufio.Reader, w *bufio.Writer) {
		writeLine(t, w, "200 welcome")
		readLine(t, r)
		writeLine(t, w, "381 more")
		readLine(t, r)
		writeLine(t, w, "481 denied")
	})

	host, port := splitAddr(t, ln.Addr().String())
	c := New(Config{Host: host, Port: port, User: "alice", Password: "wrong", Timeout: 2 * time.Second}, nil)
	err = c.Connect(context.Background(), nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, model.ErrConnect))
}

func TestBodyNotFound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fakeServer(t, ln, func(r *bufio.Reader, w *bufio.Writer) {
		writeLine(t, w, "200 welcome")
		require.Contains(t, readLine(t, r), "BODY <missing@example>")
		writeLine(t, w, "430 no such article")
	})

	host, port := splitAddr(t, ln.Addr().String())
	c := New(Config{Host: host, Port: port, Timeout: 2 * time.Second}, nil)
	require.NoError(t, c.Connect(context.Background(), nil))

	err = c.Body("missing@example", func(line []byte) error { return nil })
	require.Error(t, err)
	require.True(t, errors.Is(err, model.ErrNotFound))
}

func TestBodyStreamsUndoingDotStuffing(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fakeServer(t, ln, func(r *bufio.Reader, w *bufio.Writer) {
		writeLine(t, w, "200 welcome")
		readLine(t, r)
		writeLine(t, w, "222 body follows")
		writeLine(t, w, "..leading dot was stuffed")
		writeLine(t, w, "plain line")
		writeLine(t, w, ".")
	})

	host, port := splitAddr(t, ln.Addr().String())
	c := New(Config{Host: host, Port: port, Timeout: 2 * time.Second}, nil)
	require.NoError(t, c.Connect(context.Background(), nil))

	var lines []string
	err = c.Body("msg@example", func(line []byte) error {
		lines = append(lines, string(line))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{".leading dot was stuffed", "plain line"}, lines)
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code int
		want ResponseKind
	}{
		{200, ResponseSuccess},
		{222, ResponseSuccess},
		{281, ResponseSuccess},
		{400, ResponseConnectError},
		{499, ResponseConnectError},
		{411, ResponseNotFound},
		{423, ResponseNotFound},
		{430, ResponseNotFound},
		{480, ResponseFailure},
		{500, ResponseFailure},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.code), "code %d", tc.code)
	}
}

package downloader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/javi11/nzbcore/internal/control"
	"github.com/javi11/nzbcore/internal/model"
	"github.com/javi11/nzbcore/internal/serverpool"
	"github.com/javi11/nzbcore/internal/statmeter"
	"github.com/javi11/nzbcore/internal/writer"
	"github.com/stretchr/testify/require"
)

func yencEncode(payload []byte) []byte {
	var out bytes.Buffer
	for _, b := range payload {
		e := byte(b + 42)
		if e == 0x00 || e == 0x0A || e == 0x0D || e == 0x3D {
			out.WriteByte('=')
			e = byte(e + 64)
		}
		out.WriteByte(e)
	}
	return out.Bytes()
}

// startFakeServer runs a minimal NNTP server for exactly one connection,
// greeting then serving BODY for a single yEnc article, then QUIT.
func startFakeServer(t *testing.T, payload []byte) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	encoded := yencEncode(payload)
	crc := crc32.ChecksumIEEE(payload)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)

		write := func(s string) { w.WriteString(s + "\r\n"); w.Flush() }
		write("200 welcome")

		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			switch {
			case bytes.HasPrefix([]byte(line), []byte("BODY")):
				write("222 body follows")
				write(fmt.Sprintf("=ybegin size=%d name=payload.bin", len(payload)))
				w.Write(encoded)
				w.WriteString("\r\n")
				write(fmt.Sprintf("=yend size=%d crc32=%08x", len(payload), crc))
				write(".")
			case bytes.HasPrefix([]byte(line), []byte("QUIT")):
				write("205 bye")
				return
			}
		}
	}()

	h, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(p)
	require.NoError(t, err)
	return h, port
}

func TestRunDownloadsAndDecodesSuccessfully(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	host, port := startFakeServer(t, payload)

	servers := []*model.NewsServer{
		{ID: 1, Name: "test", Host: host, Port: port, NormLevel: 0, Active: true, MaxConnections: 5},
	}
	pool, err := serverpool.New(servers, nil)
	require.NoError(t, err)
	defer pool.Close()

	dl := New(Deps{Pool: pool, Stat: statmeter.New()})

	file := &model.FileInfo{ID: 1, Groups: nil}
	article := model.NewArticleInfo(1, 1, "abc@example", int64(len(payload)), 3)

	outDir := t.TempDir()
	w := writer.New(file, writer.ModeDirect, outDir+"/out.bin", "")

	hb := control.NewHeartbeat()
	beforeRun := hb.Last()
	time.Sleep(5 * time.Millisecond)

	status := dl.Run(context.Background(), nil, nil, hb, nil, file, article, w)
	require.Equal(t, StatusFinished, status)
	require.Equal(t, model.ArticleStatusFinished, article.Status)
	require.True(t, hb.Last().After(beforeRun), "body chunks must refresh the hang-detection heartbeat")
}

// TestRunForcePriorityIgnoresGlobalPause checks that a force
// priority file (FileInfo.ExtraPriority) must still be downloaded while the
// pause context is paused.
func TestRunForcePriorityIgnoresGlobalPause(t *testing.T) {
	payload := []byte("force priority bypasses the global pause gate")
	host, port := startFakeServer(t, payload)

	servers := []*model.NewsServer{
		{ID: 1, Name: "test", Host: host, Port: port, NormLevel: 0, Active: true, MaxConnections: 5},
	}
	pool, err := serverpool.New(servers, nil)
	require.NoError(t, err)
	defer pool.Close()

	dl := New(Deps{Pool: pool, Stat: statmeter.New()})

	file := &model.FileInfo{ID: 1, ExtraPriority: true}
	article := model.NewArticleInfo(1, 1, "abc@example", int64(len(payload)), 3)

	outDir := t.TempDir()
	w := writer.New(file, writer.ModeDirect, outDir+"/out.bin", "")

	pauseCtx := control.NewPauseContext(context.Background())
	pauseCtx.Pause()

	done := make(chan Status, 1)
	go func() { done <- dl.Run(pauseCtx, pauseCtx, nil, nil, nil, file, article, w) }()

	select {
	case status := <-done:
		require.Equal(t, StatusFinished, status)
	case <-time.After(5 * time.Second):
		t.Fatal("force priority download blocked on global pause")
	}
}

// TestRunRecordsPerServerStats checks that a CRC-mismatched article
// on the level-0 server followed by a clean copy on level-1 must leave one
// failure recorded against the first server and one success against the
// second, on both the engine-wide StatMeter and the job's NzbInfo.
func TestRunRecordsPerServerStats(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")

	// Level-0 server always returns a body with a corrupted CRC trailer.
	badLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer badLn.Close()
	go func() {
		conn, err := badLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		write := func(s string) { w.WriteString(s + "\r\n"); w.Flush() }
		write("200 welcome")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if bytes.HasPrefix([]byte(line), []byte("BODY")) {
				write("222 body follows")
				write(fmt.Sprintf("=ybegin size=%d name=payload.bin", len(payload)))
				w.Write(yencEncode(payload))
				w.WriteString("\r\n")
				write(fmt.Sprintf("=yend size=%d crc32=%08x", len(payload), ^crc32.ChecksumIEEE(payload)))
				write(".")
			}
		}
	}()
	badHost, badPortStr, err := net.SplitHostPort(badLn.Addr().String())
	require.NoError(t, err)
	badPort, err := strconv.Atoi(badPortStr)
	require.NoError(t, err)

	goodHost, goodPort := startFakeServer(t, payload)

	servers := []*model.NewsServer{
		{ID: 1, Name: "bad", Host: badHost, Port: badPort, NormLevel: 0, Active: true, MaxConnections: 5},
		{ID: 2, Name: "good", Host: goodHost, Port: goodPort, NormLevel: 1, Active: true, MaxConnections: 5},
	}
	pool, err := serverpool.New(servers, nil)
	require.NoError(t, err)
	defer pool.Close()

	stat := statmeter.New()
	dl := New(Deps{Pool: pool, Stat: stat})

	nzb := model.NewNzbInfo(1, "test.nzb")
	file := &model.FileInfo{ID: 1, NzbID: nzb.ID}
	article := model.NewArticleInfo(1, 1, "abc@example", int64(len(payload)), 3)

	done := make(chan Status, 1)
	go func() {
		outDir := t.TempDir()
		w := writer.New(file, writer.ModeDirect, outDir+"/out.bin", "")
		done <- dl.Run(context.Background(), nil, nil, nil, nzb, file, article, w)
	}()

	select {
	case status := <-done:
		require.Equal(t, StatusFinished, status)
	case <-time.After(5 * time.Second):
		t.Fatal("downloader did not terminate")
	}

	success, failed := stat.ServerCounts(1)
	require.Equal(t, int64(0), success)
	require.Equal(t, int64(1), failed)
	success, failed = stat.ServerCounts(2)
	require.Equal(t, int64(1), success)
	require.Equal(t, int64(0), failed)

	require.Equal(t, 1, nzb.ServerStats[1].Failed)
	require.Equal(t, 1, nzb.ServerStats[2].Success)
}

func TestRunNotFoundExhaustsServersAndFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		write := func(s string) { w.WriteString(s + "\r\n"); w.Flush() }
		write("200 welcome")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if bytes.HasPrefix([]byte(line), []byte("BODY")) {
				write("430 no such article")
			}
		}
	}()

	h, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)

	servers := []*model.NewsServer{
		{ID: 1, Name: "only", Host: h, Port: port, NormLevel: 0, Active: true, MaxConnections: 5},
	}
	pool, err := serverpool.New(servers, nil)
	require.NoError(t, err)
	defer pool.Close()

	dl := New(Deps{Pool: pool, Stat: statmeter.New()})

	file := &model.FileInfo{ID: 1}
	article := model.NewArticleInfo(1, 1, "missing@example", 10, 3)

	outDir := t.TempDir()
	w := writer.New(file, writer.ModeDirect, outDir+"/out.bin", "")

	done := make(chan Status, 1)
	go func() { done <- dl.Run(context.Background(), nil, nil, nil, nil, file, article, w) }()

	select {
	case status := <-done:
		require.Equal(t, StatusFailed, status)
	case <-time.After(5 * time.Second):
		t.Fatal("downloader did not terminate")
	}
}

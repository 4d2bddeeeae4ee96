package caster

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vadase-monitor/internal/source"
)

func writeRecording(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rec.nmea")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func startServer(t *testing.T, cfg Config) (addr string) {
	t.Helper()
	srv, err := New(cfg)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Errorf("caster did not stop")
		}
	})
	return ln.Addr().String()
}

func ntripConfig(t *testing.T, addr string) source.NTRIPConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := net.LookupPort("tcp", portStr)
	require.NoError(t, err)
	return source.NTRIPConfig{
		Station:        "MOCK",
		Host:           host,
		Port:           port,
		Mountpoint:     "MP",
		Watchdog:       time.Second,
		ReconnectDelay: 20 * time.Millisecond,
	}
}

func runSource(t *testing.T, cfg source.NTRIPConfig, out chan string) *source.NTRIPSource {
	t.Helper()
	src, err := source.NewNTRIP(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = src.Run(ctx, out)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return src
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{File: filepath.Join(t.TempDir(), "missing.nmea")})
	require.Error(t, err)
	_, err = New(Config{File: writeRecording(t, "\n  \n")})
	require.Error(t, err)
}

func TestServer_StreamsAndLoops(t *testing.T) {
	addr := startServer(t, Config{
		File:      writeRecording(t, "$A*00\n\n$B*00\n"),
		Rate:      200,
		LoopPause: time.Millisecond,
	})
	out := make(chan string, 16)
	runSource(t, ntripConfig(t, addr), out)

	var got []string
	for len(got) < 4 {
		select {
		case l := <-out:
			got = append(got, l)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []string{"$A*00", "$B*00", "$A*00", "$B*00"}, got)
}

func TestServer_RequiresCredentials(t *testing.T) {
	addr := startServer(t, Config{
		File:     writeRecording(t, "$A*00\n"),
		Rate:     100,
		User:     "user",
		Password: "secret",
	})

	cfg := ntripConfig(t, addr)
	cfg.Password = "wrong"
	src := runSource(t, cfg, make(chan string, 1))
	require.Eventually(t, func() bool {
		return strings.Contains(src.Snapshot().LastError, "unauthorized")
	}, 2*time.Second, 10*time.Millisecond)

	cfg = ntripConfig(t, addr)
	cfg.User, cfg.Password = "user", "secret"
	out := make(chan string, 1)
	runSource(t, cfg, out)
	select {
	case l := <-out:
		assert.Equal(t, "$A*00", l)
	case <-time.After(2 * time.Second):
		t.Fatal("authorized client received nothing")
	}
}

func TestServer_UnknownMountpoint(t *testing.T) {
	addr := startServer(t, Config{File: writeRecording(t, "$A*00\n"), Mountpoint: "OTHER"})
	src := runSource(t, ntripConfig(t, addr), make(chan string, 1))
	require.Eventually(t, func() bool {
		return strings.Contains(src.Snapshot().LastError, "mountpoint not found")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_RawClientGetsData(t *testing.T) {
	addr := startServer(t, Config{File: writeRecording(t, "$RAW*00\n"), Rate: 100})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "hello\r\n")
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "$RAW*00\r\n", line)
}

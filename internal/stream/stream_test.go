package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codefleet/fleet/internal/sandbox"
)

// fakeLogSandbox serves a mutable in-memory log through the same shell
// commands the streamer issues.
type fakeLogSandbox struct {
	mu      sync.Mutex
	content []byte
	exists  bool
}

func (f *fakeLogSandbox) set(content string) {
	f.mu.Lock()
	f.content = []byte(content)
	f.exists = true
	f.mu.Unlock()
}

func (f *fakeLogSandbox) append(chunk string) {
	f.mu.Lock()
	f.content = append(f.content, chunk...)
	f.exists = true
	f.mu.Unlock()
}

func (f *fakeLogSandbox) ID() string { return "sb-log" }

func (f *fakeLogSandbox) RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*sandbox.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(cmd, "stat -c"):
		if !f.exists {
			return &sandbox.CommandResult{Stdout: "-1\n"}, nil
		}
		return &sandbox.CommandResult{Stdout: fmt.Sprintf("%d\n", len(f.content))}, nil

	case strings.HasPrefix(cmd, "tail -c +"):
		rest := strings.TrimPrefix(cmd, "tail -c +")
		n, err := strconv.Atoi(strings.Fields(rest)[0])
		if err != nil {
			return &sandbox.CommandResult{ExitCode: 1}, nil
		}
		start := n - 1
		if start > len(f.content) {
			start = len(f.content)
		}
		return &sandbox.CommandResult{Stdout: string(f.content[start:])}, nil

	case strings.HasPrefix(cmd, "tail -c "):
		// Truncate-to-tail: keep the last N bytes.
		rest := strings.TrimPrefix(cmd, "tail -c ")
		n, err := strconv.Atoi(strings.Fields(rest)[0])
		if err != nil {
			return &sandbox.CommandResult{ExitCode: 1}, nil
		}
		if len(f.content) > n {
			f.content = f.content[len(f.content)-n:]
		}
		return &sandbox.CommandResult{}, nil
	}
	return &sandbox.CommandResult{ExitCode: 1, Stderr: "unexpected command: " + cmd}, nil
}

func (f *fakeLogSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	return nil
}
func (f *fakeLogSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return nil, nil
}
func (f *fakeLogSandbox) IsRunning(ctx context.Context) (bool, error)          { return true, nil }
func (f *fakeLogSandbox) Kill(ctx context.Context) error                       { return nil }
func (f *fakeLogSandbox) SetTimeout(ctx context.Context, d time.Duration) error { return nil }

func quietOpts() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestPollEmitsNewBytesInOrder(t *testing.T) {
	sb := &fakeLogSandbox{}
	s := New(sb, "/tmp/agent.log", quietOpts())

	var chunks []string
	s.OnChunk(func(c string) { chunks = append(chunks, c) })

	// Missing file: quiet no-op.
	require.NoError(t, s.Poll(t.Context()))
	require.Empty(t, chunks)

	sb.set("hello ")
	require.NoError(t, s.Poll(t.Context()))
	sb.append("world")
	require.NoError(t, s.Poll(t.Context()))
	// No growth: no chunk.
	require.NoError(t, s.Poll(t.Context()))

	require.Equal(t, []string{"hello ", "world"}, chunks)
	require.Equal(t, "hello world", s.GetBufferedOutput())
}

func TestRingBufferKeepsTail(t *testing.T) {
	sb := &fakeLogSandbox{}
	opts := quietOpts()
	opts.RingSize = 10
	s := New(sb, "/tmp/agent.log", opts)

	sb.set("0123456789ABCDEF")
	require.NoError(t, s.Poll(t.Context()))
	require.Equal(t, "6789ABCDEF", s.GetBufferedOutput())
}

func TestOversizedRemoteLogIsTruncated(t *testing.T) {
	sb := &fakeLogSandbox{}
	opts := quietOpts()
	opts.MaxRemoteLog = 20
	opts.RingSize = 8
	s := New(sb, "/tmp/agent.log", opts)

	sb.set(strings.Repeat("x", 30) + "tailbits")
	require.NoError(t, s.Poll(t.Context()))

	sb.mu.Lock()
	remoteLen := len(sb.content)
	sb.mu.Unlock()
	require.Equal(t, 8, remoteLen, "remote file reduced to the tail")
	require.Equal(t, "tailbits", s.GetBufferedOutput())
}

func TestLocalMirrorAndFullOutput(t *testing.T) {
	sb := &fakeLogSandbox{}
	opts := quietOpts()
	opts.RingSize = 4
	opts.LocalMirror = filepath.Join(t.TempDir(), "mirror.log")
	s := New(sb, "/tmp/agent.log", opts)

	sb.set("first|")
	require.NoError(t, s.Poll(t.Context()))
	sb.append("second")
	require.NoError(t, s.Poll(t.Context()))

	full, err := s.GetFullOutput()
	require.NoError(t, err)
	require.Equal(t, "first|second", full, "mirror keeps everything")
	require.Equal(t, "cond", s.GetBufferedOutput(), "ring keeps only the tail")
}

func TestFailedPollDoesNotAbortStream(t *testing.T) {
	sb := &fakeLogSandbox{}
	s := New(sb, "/tmp/agent.log", quietOpts())

	// A cancelled context makes remote calls fail.
	cancelled, cancel := context.WithCancel(t.Context())
	cancel()
	sb.set("data")
	require.Error(t, s.Poll(cancelled))

	// The streamer still works on the next good poll.
	var chunks []string
	s.OnChunk(func(c string) { chunks = append(chunks, c) })
	require.NoError(t, s.Poll(t.Context()))
	require.Equal(t, []string{"data"}, chunks)
}

func TestStartStopEmitsComplete(t *testing.T) {
	sb := &fakeLogSandbox{}
	opts := quietOpts()
	opts.PollInterval = 10 * time.Millisecond
	s := New(sb, "/tmp/agent.log", opts)

	var mu sync.Mutex
	var chunks []string
	completed := false
	s.OnChunk(func(c string) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	})
	s.OnComplete(func() {
		mu.Lock()
		completed = true
		mu.Unlock()
	})

	s.Start(t.Context())
	sb.set("streamed")
	time.Sleep(50 * time.Millisecond)
	s.Stop(t.Context())

	mu.Lock()
	defer mu.Unlock()
	require.True(t, completed)
	require.Equal(t, "streamed", strings.Join(chunks, ""))
}

func TestStopWithoutStartStillFinalPolls(t *testing.T) {
	sb := &fakeLogSandbox{}
	sb.set("late output")
	s := New(sb, "/tmp/agent.log", quietOpts())

	completed := false
	s.OnComplete(func() { completed = true })
	s.Stop(t.Context())

	require.True(t, completed)
	require.Equal(t, "late output", s.GetBufferedOutput())
}

func TestMirrorAppendFailureIsNonFatal(t *testing.T) {
	sb := &fakeLogSandbox{}
	opts := quietOpts()
	opts.LocalMirror = filepath.Join(t.TempDir(), "missing-dir", "deep", "mirror.log")
	// Parent dir does not exist and is not created by the streamer; the
	// append fails but the chunk still flows.
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Dir(opts.LocalMirror)), 0o555))

	s := New(sb, "/tmp/agent.log", opts)
	var errs []error
	var chunks []string
	s.OnError(func(err error) { errs = append(errs, err) })
	s.OnChunk(func(c string) { chunks = append(chunks, c) })

	sb.set("payload")
	require.NoError(t, s.Poll(t.Context()))
	require.NotEmpty(t, errs)
	require.Equal(t, []string{"payload"}, chunks)
}

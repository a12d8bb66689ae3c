// Package stream tails a log file inside a sandbox, emitting chunks to
// registered callbacks as the remote agent writes output.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codefleet/fleet/internal/filesync"
	"github.com/codefleet/fleet/internal/sandbox"
)

// Defaults for polling and buffering.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultRingSize     = 50 * 1024
	DefaultMaxRemoteLog = 100 * 1024 * 1024
)

// Options tune a streamer. Zero values take defaults.
type Options struct {
	PollInterval time.Duration
	RingSize     int
	MaxRemoteLog int64
	// LocalMirror, when set, receives every chunk appended to a local file.
	LocalMirror string
	Logger      *slog.Logger
}

// ChunkFunc receives newly read output.
type ChunkFunc func(chunk string)

// ErrorFunc receives non-fatal tick errors.
type ErrorFunc func(err error)

// CompleteFunc runs after the final poll when the streamer stops.
type CompleteFunc func()

// Streamer polls one remote log file.
type Streamer struct {
	sb         sandbox.Sandbox
	remotePath string
	opts       Options
	log        *slog.Logger

	mu         sync.Mutex
	ring       []byte
	offset     int64
	onChunk    []ChunkFunc
	onError    []ErrorFunc
	onComplete []CompleteFunc
	cancel     context.CancelFunc
	done       chan struct{}
	started    bool
}

// New builds a streamer for one remote log file.
func New(sb sandbox.Sandbox, remotePath string, opts Options) *Streamer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.MaxRemoteLog <= 0 {
		opts.MaxRemoteLog = DefaultMaxRemoteLog
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Streamer{
		sb:         sb,
		remotePath: remotePath,
		opts:       opts,
		log:        opts.Logger,
	}
}

// OnChunk registers a chunk callback. Callbacks run serially.
func (s *Streamer) OnChunk(fn ChunkFunc) {
	s.mu.Lock()
	s.onChunk = append(s.onChunk, fn)
	s.mu.Unlock()
}

// OnError registers an error callback.
func (s *Streamer) OnError(fn ErrorFunc) {
	s.mu.Lock()
	s.onError = append(s.onError, fn)
	s.mu.Unlock()
}

// OnComplete registers a completion callback.
func (s *Streamer) OnComplete(fn CompleteFunc) {
	s.mu.Lock()
	s.onComplete = append(s.onComplete, fn)
	s.mu.Unlock()
}

// Start begins polling. Safe to call once.
func (s *Streamer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

func (s *Streamer) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Poll(ctx); err != nil {
				s.emitError(err)
			}
		}
	}
}

// Stop cancels the ticker, runs one final poll and emits complete.
func (s *Streamer) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if err := s.Poll(ctx); err != nil {
		s.emitError(err)
	}

	s.mu.Lock()
	complete := append([]CompleteFunc(nil), s.onComplete...)
	s.mu.Unlock()
	for _, fn := range complete {
		fn()
	}
}

// Poll reads everything past the last-seen offset. Oversized remote logs
// are truncated to their tail before reading.
func (s *Streamer) Poll(ctx context.Context) error {
	size, exists, err := s.remoteSize(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	if size > s.opts.MaxRemoteLog {
		if err := s.truncateRemote(ctx); err != nil {
			return err
		}
		size, _, err = s.remoteSize(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.offset = 0
		s.mu.Unlock()
	}

	s.mu.Lock()
	offset := s.offset
	s.mu.Unlock()

	if size < offset {
		// The file shrank underneath us; start over from the top.
		offset = 0
	}
	if size == offset {
		return nil
	}

	chunk, err := s.readRemote(ctx, offset)
	if err != nil {
		return err
	}
	if chunk == "" {
		return nil
	}

	s.mu.Lock()
	s.offset = offset + int64(len(chunk))
	s.ring = append(s.ring, chunk...)
	if len(s.ring) > s.opts.RingSize {
		s.ring = s.ring[len(s.ring)-s.opts.RingSize:]
	}
	chunkFns := append([]ChunkFunc(nil), s.onChunk...)
	s.mu.Unlock()

	if s.opts.LocalMirror != "" {
		if err := appendFile(s.opts.LocalMirror, chunk); err != nil {
			s.emitError(err)
		}
	}
	for _, fn := range chunkFns {
		fn(chunk)
	}
	return nil
}

func (s *Streamer) remoteSize(ctx context.Context) (int64, bool, error) {
	cmd := fmt.Sprintf("if [ -f %s ]; then stat -c %%s %s; else echo -1; fi",
		filesync.ShellQuote(s.remotePath), filesync.ShellQuote(s.remotePath))
	out, err := s.sb.RunCommand(ctx, cmd, 30*time.Second)
	if err != nil {
		return 0, false, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out.Stdout), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("unparseable remote log size %q", out.Stdout)
	}
	if size < 0 {
		return 0, false, nil
	}
	return size, true, nil
}

// truncateRemote keeps the tail of an oversized remote log.
func (s *Streamer) truncateRemote(ctx context.Context) error {
	quoted := filesync.ShellQuote(s.remotePath)
	cmd := fmt.Sprintf("tail -c %d %s > %s.tmp && mv %s.tmp %s",
		s.opts.RingSize, quoted, quoted, quoted, quoted)
	out, err := s.sb.RunCommand(ctx, cmd, time.Minute)
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("remote log truncation exited %d: %s", out.ExitCode, out.Stderr)
	}
	s.log.Warn("remote log truncated to tail", "path", s.remotePath)
	return nil
}

func (s *Streamer) readRemote(ctx context.Context, offset int64) (string, error) {
	cmd := fmt.Sprintf("tail -c +%d %s", offset+1, filesync.ShellQuote(s.remotePath))
	out, err := s.sb.RunCommand(ctx, cmd, time.Minute)
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("remote log read exited %d: %s", out.ExitCode, out.Stderr)
	}
	return out.Stdout, nil
}

func (s *Streamer) emitError(err error) {
	s.mu.Lock()
	fns := append([]ErrorFunc(nil), s.onError...)
	s.mu.Unlock()
	if len(fns) == 0 {
		s.log.Warn("stream tick failed", "path", s.remotePath, "error", err)
		return
	}
	for _, fn := range fns {
		fn(err)
	}
}

// GetBufferedOutput returns the in-memory tail.
func (s *Streamer) GetBufferedOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.ring)
}

// GetFullOutput reads the local mirror when one is configured, falling
// back to the buffered tail.
func (s *Streamer) GetFullOutput() (string, error) {
	if s.opts.LocalMirror == "" {
		return s.GetBufferedOutput(), nil
	}
	data, err := os.ReadFile(s.opts.LocalMirror)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func appendFile(path, chunk string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(chunk)
	return err
}

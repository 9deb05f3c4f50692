package lspmux

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// defaultKillGrace is how long Close waits after the interrupt signal
// before forcing a kill.
const defaultKillGrace = 3 * time.Second

// exitStatusGrace is how long the read loop waits for the exit status once
// the stream has ended. A server that closes its stdout but keeps running
// must not delay the connection-lost event beyond this.
const exitStatusGrace = 200 * time.Millisecond

// TraceKind identifies the direction of a traced wire message.
type TraceKind int

const (
	// TraceIncoming is a frame body read from the server's stdout.
	TraceIncoming TraceKind = iota
	// TraceOutgoing is a frame body written to the server's stdin.
	TraceOutgoing
	// TraceStderr is a line from the server's stderr.
	TraceStderr
)

// String returns a human-readable trace direction.
func (k TraceKind) String() string {
	switch k {
	case TraceIncoming:
		return "in"
	case TraceOutgoing:
		return "out"
	case TraceStderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// TraceFunc observes raw wire traffic. It must not block.
type TraceFunc func(kind TraceKind, text string)

// Transport owns a language server's standard streams: a single read loop
// decoding frames from stdout, a mutex-serialized write path to stdin, and
// a capture goroutine for stderr. When spawned it also owns the process
// lifecycle.
//
// Decoded messages are handed to the sink registered with OnMessage; when
// the stream closes or the process exits, the callback registered with
// OnConnectionLost fires exactly once.
type Transport struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer
	stderr io.Reader

	cmd       *exec.Cmd
	killGrace time.Duration
	log       *zap.Logger

	writeMu sync.Mutex

	onMessage func(json.RawMessage)
	onLost    func(error)
	lostOnce  sync.Once

	traceMu sync.RWMutex
	traces  []TraceFunc

	stderrMu  sync.Mutex
	stderrBuf strings.Builder

	closed   atomic.Bool
	done     chan struct{}
	waitOnce sync.Once
	exitCh   chan struct{}
	exitErr  error
}

// NewTransport creates a transport over the given streams, typically pipes
// in tests. The closer, if non-nil, is closed on shutdown.
func NewTransport(r io.Reader, w io.Writer, c io.Closer, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		reader:    r,
		writer:    w,
		closer:    c,
		killGrace: defaultKillGrace,
		log:       logger,
		done:      make(chan struct{}),
		exitCh:    make(chan struct{}),
	}
}

// Spawn starts the configured server process and returns a transport bound
// to its standard streams. Call Start to begin reading.
func Spawn(config ServerConfig, logger *zap.Logger) (*Transport, error) {
	cmd := exec.Command(config.Command, config.Args...)

	cmd.Env = os.Environ()
	for k, v := range config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if config.WorkDir != "" {
		cmd.Dir = config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: config.Command, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Command: config.Command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &SpawnError{Command: config.Command, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, &SpawnError{Command: config.Command, Err: err}
	}

	t := NewTransport(stdout, stdin, stdin, logger)
	t.stderr = stderr
	t.cmd = cmd

	logger.Debug("spawned language server",
		zap.String("command", config.Command),
		zap.Strings("args", config.Args),
		zap.Int("pid", cmd.Process.Pid))

	return t, nil
}

// OnMessage registers the sink that receives every decoded frame body.
// Must be called before Start.
func (t *Transport) OnMessage(fn func(json.RawMessage)) {
	t.onMessage = fn
}

// OnConnectionLost registers the callback fired exactly once when the
// stream closes or the process exits. Must be called before Start.
func (t *Transport) OnConnectionLost(fn func(error)) {
	t.onLost = fn
}

// OnTrace adds an observer for raw wire traffic.
func (t *Transport) OnTrace(fn TraceFunc) {
	t.traceMu.Lock()
	t.traces = append(t.traces, fn)
	t.traceMu.Unlock()
}

// Start launches the read loop and, for spawned processes, the stderr
// capture loop.
func (t *Transport) Start(ctx context.Context) {
	go t.readLoop(ctx)
	if t.stderr != nil {
		go t.stderrLoop()
	}
}

// Write serializes msg as one frame and writes it atomically with respect
// to other writers; concurrent writes never interleave mid-frame.
func (t *Transport) Write(msg any) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	frame, body, err := encodeFrame(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	_, werr := t.writer.Write(frame)
	t.writeMu.Unlock()

	if werr != nil {
		return fmt.Errorf("write frame: %w", werr)
	}
	t.emitTrace(TraceOutgoing, body)
	return nil
}

// Stderr returns everything captured from the server's stderr so far. The
// stream is diagnostic output only and is never parsed as protocol data.
func (t *Transport) Stderr() string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()
	return t.stderrBuf.String()
}

// IsClosed returns true once the transport has been closed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}

// ExitErr returns the process exit error, if the process has exited.
func (t *Transport) ExitErr() error {
	select {
	case <-t.exitCh:
		return t.exitErr
	default:
		return nil
	}
}

// Close shuts the transport down. A spawned process is first interrupted
// and then killed if it has not exited within the kill grace period.
// Close is idempotent.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)

	var errs []error
	if t.closer != nil {
		if err := t.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if t.cmd != nil && t.cmd.Process != nil {
		go t.wait()
		_ = t.cmd.Process.Signal(os.Interrupt)
		select {
		case <-t.exitCh:
		case <-time.After(t.killGrace):
			t.log.Debug("kill grace elapsed, killing process", zap.Int("pid", t.cmd.Process.Pid))
			if err := t.cmd.Process.Kill(); err != nil {
				errs = append(errs, err)
			}
			<-t.exitCh
		}
	}

	t.lost(ErrTransportClosed)
	return errors.Join(errs...)
}

// wait reaps the process exactly once and records its exit status.
func (t *Transport) wait() error {
	t.waitOnce.Do(func() {
		t.exitErr = t.cmd.Wait()
		close(t.exitCh)
	})
	<-t.exitCh
	return t.exitErr
}

// lost fires the connection-lost callback exactly once.
func (t *Transport) lost(reason error) {
	t.lostOnce.Do(func() {
		t.log.Debug("transport lost", zap.Error(reason))
		if t.onLost != nil {
			t.onLost(reason)
		}
	})
}

// readLoop decodes frames from the stream until it ends.
func (t *Transport) readLoop(ctx context.Context) {
	dec := NewDecoder()
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			t.lost(ctx.Err())
			return
		case <-t.done:
			t.lost(ErrTransportClosed)
			return
		default:
		}

		n, err := t.reader.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if !t.drain(dec) {
				return
			}
		}
		if err != nil {
			t.lost(t.exitReason(err))
			return
		}
	}
}

// drain delivers every complete frame currently buffered. It returns false
// when a framing error has made the stream unusable.
func (t *Transport) drain(dec *Decoder) bool {
	for {
		raw, err := dec.Next()
		switch {
		case err == nil:
			t.emitTrace(TraceIncoming, raw)
			if t.onMessage != nil {
				t.onMessage(raw)
			}
		case errors.Is(err, ErrNeedMoreData):
			return true
		default:
			var malformed *MalformedFrameError
			if errors.As(err, &malformed) {
				t.log.Warn("dropping malformed frame", zap.Int("bytes", len(malformed.Raw)))
				continue
			}
			// Framing error: byte-stream synchronization is gone.
			t.log.Error("frame synchronization lost", zap.Error(err))
			t.lost(err)
			return false
		}
	}
}

// exitReason translates a read-loop error into the terminal reason
// reported to the sink. It never blocks on process exit: the status is
// reaped asynchronously, and if it is not available within exitStatusGrace
// the loss is reported as a plain stream closure.
func (t *Transport) exitReason(readErr error) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if t.cmd != nil {
		go t.wait()
		select {
		case <-t.exitCh:
			if t.exitErr != nil {
				return fmt.Errorf("%w: %v", ErrServerCrashed, t.exitErr)
			}
			return fmt.Errorf("%w: server exited", ErrConnectionLost)
		case <-time.After(exitStatusGrace):
			return fmt.Errorf("%w: stream closed", ErrConnectionLost)
		}
	}
	if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrClosedPipe) {
		return fmt.Errorf("%w: stream closed", ErrConnectionLost)
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, readErr)
}

// stderrLoop captures the server's stderr line by line.
func (t *Transport) stderrLoop() {
	scanner := bufio.NewScanner(t.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.stderrMu.Lock()
		t.stderrBuf.WriteString(line)
		t.stderrBuf.WriteByte('\n')
		t.stderrMu.Unlock()

		t.log.Debug("server stderr", zap.String("line", line))
		t.emitTrace(TraceStderr, []byte(line))
	}
}

// emitTrace notifies trace observers, skipping the string conversion when
// nobody is listening.
func (t *Transport) emitTrace(kind TraceKind, body []byte) {
	t.traceMu.RLock()
	defer t.traceMu.RUnlock()
	if len(t.traces) == 0 {
		return
	}
	text := string(body)
	for _, fn := range t.traces {
		fn(kind, text)
	}
}

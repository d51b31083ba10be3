package codex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/codex-bridge/logger"
)

const (
	// readChunkSize bounds one read from the child's output stream.
	readChunkSize = 4096
	// readPollInterval is the short per-read poll, distinct from the
	// overall timeout. On each tick the loop checks whether the process
	// has already exited.
	readPollInterval = 1 * time.Second
	// exitGracePeriod is how long to wait for the exit status after the
	// stream ends naturally.
	exitGracePeriod = 5 * time.Second
	// killGracePeriod is how long to wait for the process to be reaped
	// after a forced kill.
	killGracePeriod = 2 * time.Second
)

// exitCodeNotFound is reported when the child binary cannot be spawned.
const exitCodeNotFound = 127

// networkErrorPatterns are output fragments that mark a failed run as a
// transient network error rather than a generic execution failure.
var networkErrorPatterns = []string{
	"stream disconnected",
	"connection reset",
	"connection refused",
	"error sending request",
	"network is unreachable",
	"tls handshake",
}

// SupervisorOptions configures one child-process run.
type SupervisorOptions struct {
	Binary         string
	Args           []string
	TimeoutSeconds int
	CaptureTrace   bool   // retain all decoded records on the result
	CaptureFile    string // when set, raw child output is teed to this file
}

// Supervisor owns one child process end-to-end: spawn, stream decode,
// timeout enforcement, and reaping on every exit path. It produces exactly
// one InvocationResult and never lets an internal fault escape unclassified.
type Supervisor struct {
	opts  SupervisorOptions
	runID string
	log   *slog.Logger
}

// NewSupervisor creates a supervisor for a single run. Each run gets its
// own id attached to all log entries.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	runID := uuid.NewString()
	return &Supervisor{
		opts:  opts,
		runID: runID,
		log:   logger.WithRun(runID).With("component", "supervisor"),
	}
}

// RunID returns the identifier assigned to this run.
func (s *Supervisor) RunID() string {
	return s.runID
}

// Run spawns the child and drives the read loop until the stream ends or
// the timeout fires. Stdin is closed immediately and stderr is merged into
// the same stream as stdout.
func (s *Supervisor) Run() InvocationResult {
	timeout := time.Duration(s.opts.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// One pipe carries both stdout and stderr so banner lines and error
	// text interleave with the JSON records in arrival order.
	pr, pw, err := os.Pipe()
	if err != nil {
		return failure(ErrorExecution, fmt.Sprintf("failed to create pipe: %v", err))
	}

	cmd := exec.Command(s.opts.Binary, s.opts.Args...)
	cmd.Stdin = nil
	cmd.Stdout = pw
	cmd.Stderr = pw

	s.log.Debug("starting process", "command", s.opts.Binary+" "+strings.Join(s.opts.Args, " "))
	startTime := time.Now()

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		result := failure(ErrorExecution, fmt.Sprintf("failed to start %s: %v", s.opts.Binary, err))
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			result.ExitCode = exitCodeNotFound
		}
		s.log.Error("spawn failed", "error", err)
		return result
	}

	// Close the parent's copy of the write end so the read side sees EOF
	// once the child exits
	pw.Close()
	defer pr.Close()

	s.log.Info("process started", "pid", cmd.Process.Pid, "timeout", timeout)

	var capture *os.File
	if s.opts.CaptureFile != "" {
		capture, err = os.OpenFile(s.opts.CaptureFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			s.log.Warn("failed to open capture file", "path", s.opts.CaptureFile, "error", err)
		} else {
			defer capture.Close()
		}
	}

	// Reader goroutine: bounded chunk reads, closed channel on EOF.
	// The channel is buffered so a final chunk never blocks the goroutine
	// after the loop has moved on.
	chunkCh := make(chan []byte, 1)
	go func() {
		defer close(chunkCh)
		buf := make([]byte, readChunkSize)
		for {
			n, readErr := pr.Read(buf)
			if n > 0 {
				chunkCh <- append([]byte(nil), buf[:n]...)
			}
			if readErr != nil {
				return
			}
		}
	}()

	// waitCh is the sole consumer of cmd.Wait; every exit path below
	// receives from it exactly once so the child is always reaped.
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	decoder := NewStreamDecoder()
	var trace []Record
	feed := func(chunk []byte) {
		if capture != nil {
			capture.Write(chunk)
		}
		records := decoder.Feed(chunk)
		if s.opts.CaptureTrace {
			trace = append(trace, records...)
		}
	}

	poll := time.NewTicker(readPollInterval)
	defer poll.Stop()

readLoop:
	for {
		select {
		case chunk, ok := <-chunkCh:
			if !ok {
				s.log.Debug("stream ended", "elapsed", time.Since(startTime))
				break readLoop
			}
			feed(chunk)

		case <-poll.C:
			// A tick can land while a chunk is still queued. If the
			// process is already gone, consume everything the reader
			// pulled from the pipe before classifying so no trailing
			// output is lost.
			select {
			case waitErr := <-waitCh:
				s.log.Debug("process exited while polling", "error", waitErr)
				drainAfterExit(chunkCh, feed)
				pr.Close()
				go drainChunks(chunkCh)
				return s.classify(decoder, trace, exitCodeOf(waitErr))
			default:
			}

		case <-ctx.Done():
			s.log.Warn("timeout exceeded, killing process", "timeout", timeout)
			pr.Close()
			go drainChunks(chunkCh)
			s.killAndReap(cmd, waitCh)
			result := failure(ErrorTimeout, fmt.Sprintf("timed out after %s", timeout))
			result.LastRawLines = decoder.TailLines()
			if s.opts.CaptureTrace {
				result.RawMessages = trace
			}
			return result
		}
	}

	// Stream ended naturally; give the exit status a bounded grace period.
	// A hung-but-silent child must never block the caller indefinitely.
	var exitCode int
	select {
	case waitErr := <-waitCh:
		exitCode = exitCodeOf(waitErr)
		s.log.Debug("process exited", "exitCode", exitCode, "elapsed", time.Since(startTime))
	case <-time.After(exitGracePeriod):
		s.log.Warn("process did not exit after stream end, killing")
		s.killAndReap(cmd, waitCh)
		exitCode = -1
	}

	return s.classify(decoder, trace, exitCode)
}

// classify turns decoder-derived state into the final result. Success
// requires both a session id and a non-empty response, regardless of the
// exit code.
func (s *Supervisor) classify(decoder *StreamDecoder, trace []Record, exitCode int) InvocationResult {
	sessionID := decoder.SessionID()
	responseText := decoder.ResponseText()

	if sessionID != "" && responseText != "" {
		s.log.Info("invocation succeeded", "sessionID", sessionID, "responseLen", len(responseText), "turnCompleted", decoder.TurnCompleted())
		result := InvocationResult{
			Success:      true,
			SessionID:    sessionID,
			ResponseText: responseText,
			ExitCode:     exitCode,
		}
		if s.opts.CaptureTrace {
			result.RawMessages = trace
		}
		return result
	}

	message := "no session id received"
	if sessionID != "" {
		message = "no response received"
	}

	tail := decoder.TailLines()
	kind := ErrorExecution
	if isNetworkError(tail) {
		kind = ErrorNetwork
	}

	s.log.Warn("invocation failed", "kind", kind, "message", message, "exitCode", exitCode)

	result := failure(kind, message)
	result.ExitCode = exitCode
	result.LastRawLines = tail
	if s.opts.CaptureTrace {
		result.RawMessages = trace
	}
	return result
}

// killAndReap forcibly terminates the child and waits, with a bounded
// grace period, for its exit status so no zombie is left behind.
func (s *Supervisor) killAndReap(cmd *exec.Cmd, waitCh <-chan error) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	select {
	case err := <-waitCh:
		s.log.Debug("process reaped after kill", "error", err)
	case <-time.After(killGracePeriod):
		s.log.Error("process did not report exit after kill")
	}
}

// drainChunks consumes leftover chunks so the reader goroutine can finish.
func drainChunks(chunkCh <-chan []byte) {
	for range chunkCh {
	}
}

// drainAfterExit feeds the chunks still queued or in flight once the child
// has exited, so the decoder sees every byte written before exit. Bounded,
// so a grandchild holding the pipe open cannot stall the caller.
func drainAfterExit(chunkCh <-chan []byte, feed func([]byte)) {
	deadline := time.After(exitGracePeriod)
	for {
		select {
		case chunk, ok := <-chunkCh:
			if !ok {
				return
			}
			feed(chunk)
		case <-deadline:
			return
		}
	}
}

// exitCodeOf extracts the exit code from a cmd.Wait error.
func exitCodeOf(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// isNetworkError reports whether the captured output tail matches a known
// transient network pattern.
func isNetworkError(lines []string) bool {
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, pattern := range networkErrorPatterns {
			if strings.Contains(lower, pattern) {
				return true
			}
		}
	}
	return false
}

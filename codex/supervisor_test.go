package codex

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/codex-bridge/logger"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "codex-bridge-test")
	if err != nil {
		panic(err)
	}
	logger.Reset()
	if err := logger.Init(filepath.Join(dir, "test.log")); err != nil {
		panic(err)
	}
	code := m.Run()
	logger.Close()
	os.RemoveAll(dir)
	os.Exit(code)
}

// runShell runs a shell script under the supervisor. The script stands in
// for the codex CLI.
func runShell(t *testing.T, script string, timeoutSeconds int, captureTrace bool) InvocationResult {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	s := NewSupervisor(SupervisorOptions{
		Binary:         "/bin/sh",
		Args:           []string{"-c", script},
		TimeoutSeconds: timeoutSeconds,
		CaptureTrace:   captureTrace,
	})
	return s.Run()
}

func TestRun_Success(t *testing.T) {
	script := `
echo '{"type":"thread.started","thread_id":"t-100"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"hello "}}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"world"}}'
echo '{"type":"turn.completed"}'
`
	result := runShell(t, script, 10, false)

	if !result.Success {
		t.Fatalf("expected Success, got Failure(%s): %s", result.ErrorKind, result.Message)
	}
	if result.SessionID != "t-100" {
		t.Errorf("SessionID = %q, want t-100", result.SessionID)
	}
	if result.ResponseText != "hello world" {
		t.Errorf("ResponseText = %q, want concatenated fragments in stream order", result.ResponseText)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestRun_NoSessionID(t *testing.T) {
	// Clean exit with a response but no session-identifying field
	script := `
echo '{"type":"item.completed","item":{"type":"agent_message","text":"orphan text"}}'
`
	result := runShell(t, script, 10, false)

	if result.Success {
		t.Fatal("expected Failure despite exit code 0")
	}
	if result.ErrorKind != ErrorExecution {
		t.Errorf("ErrorKind = %s, want execution", result.ErrorKind)
	}
	if !strings.Contains(result.Message, "no session id") {
		t.Errorf("Message = %q, should mention missing session id", result.Message)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestRun_EmptyResponse(t *testing.T) {
	script := `
echo '{"type":"thread.started","thread_id":"t-101"}'
echo '{"type":"turn.completed"}'
`
	result := runShell(t, script, 10, false)

	if result.Success {
		t.Fatal("expected Failure when no agent message was emitted")
	}
	if result.ErrorKind != ErrorExecution {
		t.Errorf("ErrorKind = %s, want execution", result.ErrorKind)
	}
	if !strings.Contains(result.Message, "no response") {
		t.Errorf("Message = %q, should mention missing response", result.Message)
	}
}

func TestRun_Timeout(t *testing.T) {
	script := `
echo '{"type":"thread.started","thread_id":"t-102"}'
echo 'still working on it'
sleep 30
`
	start := time.Now()
	result := runShell(t, script, 1, false)
	elapsed := time.Since(start)

	if result.Success {
		t.Fatal("expected Failure(Timeout)")
	}
	if result.ErrorKind != ErrorTimeout {
		t.Fatalf("ErrorKind = %s, want timeout", result.ErrorKind)
	}
	if elapsed > 10*time.Second {
		t.Errorf("supervisor took %s, child was not killed promptly", elapsed)
	}

	found := false
	for _, line := range result.LastRawLines {
		if strings.Contains(line, "still working on it") {
			found = true
		}
	}
	if !found {
		t.Errorf("LastRawLines = %v, should contain captured output", result.LastRawLines)
	}
}

func TestRun_BinaryNotFound(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{
		Binary:         "/nonexistent/codex-binary",
		Args:           []string{"exec"},
		TimeoutSeconds: 5,
	})
	result := s.Run()

	if result.Success {
		t.Fatal("expected Failure for missing binary")
	}
	if result.ErrorKind != ErrorExecution {
		t.Errorf("ErrorKind = %s, want execution", result.ErrorKind)
	}
	if result.ExitCode != exitCodeNotFound {
		t.Errorf("ExitCode = %d, want %d", result.ExitCode, exitCodeNotFound)
	}
}

func TestRun_StderrMerged(t *testing.T) {
	// Session id on stdout, response on stderr; both must feed one decoder
	script := `
echo '{"type":"thread.started","thread_id":"t-103"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"from stderr"}}' >&2
`
	result := runShell(t, script, 10, false)

	if !result.Success {
		t.Fatalf("expected Success, got Failure(%s): %s", result.ErrorKind, result.Message)
	}
	if result.ResponseText != "from stderr" {
		t.Errorf("ResponseText = %q, stderr should merge into the stream", result.ResponseText)
	}
}

func TestRun_NetworkClassification(t *testing.T) {
	script := `
echo 'ERROR: stream disconnected before completion'
exit 1
`
	result := runShell(t, script, 10, false)

	if result.Success {
		t.Fatal("expected Failure")
	}
	if result.ErrorKind != ErrorNetwork {
		t.Errorf("ErrorKind = %s, want network for transient patterns", result.ErrorKind)
	}
}

func TestRun_NonZeroExitStillSuccess(t *testing.T) {
	// Exit code does not decide the outcome; session id and response do
	script := `
echo '{"type":"thread.started","thread_id":"t-104"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"done"}}'
exit 3
`
	result := runShell(t, script, 10, false)

	if !result.Success {
		t.Fatalf("expected Success regardless of exit code, got Failure(%s)", result.ErrorKind)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
}

func TestRun_CaptureTrace(t *testing.T) {
	script := `
echo 'banner line'
echo '{"type":"thread.started","thread_id":"t-105"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"traced"}}'
`
	result := runShell(t, script, 10, true)

	if !result.Success {
		t.Fatalf("expected Success, got Failure(%s): %s", result.ErrorKind, result.Message)
	}
	if len(result.RawMessages) != 2 {
		t.Fatalf("RawMessages has %d records, want 2", len(result.RawMessages))
	}
	if result.RawMessages[0].Type != "thread.started" {
		t.Errorf("RawMessages[0].Type = %q", result.RawMessages[0].Type)
	}
}

func TestRun_NoTraceByDefault(t *testing.T) {
	script := `
echo '{"type":"thread.started","thread_id":"t-106"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"x"}}'
`
	result := runShell(t, script, 10, false)

	if !result.Success {
		t.Fatalf("expected Success, got Failure(%s)", result.ErrorKind)
	}
	if result.RawMessages != nil {
		t.Errorf("RawMessages should be nil without trace capture")
	}
}

func TestDrainAfterExit_FeedsQueuedChunks(t *testing.T) {
	// The reader may queue a final chunk right as the process exits. Exit
	// detection must not discard it.
	decoder := NewStreamDecoder()
	ch := make(chan []byte, 2)
	ch <- []byte(`{"type":"thread.started","thread_id":"t-200"}` + "\n")
	ch <- []byte(`{"type":"item.completed","item":{"type":"agent_message","text":"late fragment"}}` + "\n")
	close(ch)

	drainAfterExit(ch, func(chunk []byte) { decoder.Feed(chunk) })

	if decoder.SessionID() != "t-200" {
		t.Errorf("SessionID = %q, queued chunks must reach the decoder", decoder.SessionID())
	}
	if decoder.ResponseText() != "late fragment" {
		t.Errorf("ResponseText = %q, want the full late fragment", decoder.ResponseText())
	}
}

func TestRun_ExitImmediatelyAfterOutput(t *testing.T) {
	// The child writes everything and exits at once; the full response must
	// survive regardless of how reads interleave with exit detection.
	script := `
echo '{"type":"thread.started","thread_id":"t-201"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"first "}}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"second"}}'
`
	for i := 0; i < 10; i++ {
		result := runShell(t, script, 10, false)
		if !result.Success {
			t.Fatalf("run %d: expected Success, got Failure(%s): %s", i, result.ErrorKind, result.Message)
		}
		if result.ResponseText != "first second" {
			t.Fatalf("run %d: ResponseText = %q, output written before exit was dropped", i, result.ResponseText)
		}
	}
}

func TestRun_NoFdLeakAfterStreamEnd(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("reads /proc/self/fd")
	}
	countFDs := func() int {
		entries, err := os.ReadDir("/proc/self/fd")
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		return len(entries)
	}

	script := `
echo '{"type":"thread.started","thread_id":"t-202"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"x"}}'
`
	// Warm up so lazily-opened runtime fds don't skew the count
	runShell(t, script, 10, false)

	before := countFDs()
	for i := 0; i < 5; i++ {
		runShell(t, script, 10, false)
	}
	after := countFDs()

	if after > before+1 {
		t.Errorf("fd count grew from %d to %d across runs, pipe ends are leaking", before, after)
	}
}

func TestRun_CaptureFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	capturePath := filepath.Join(t.TempDir(), "capture.log")
	script := `
echo '{"type":"thread.started","thread_id":"t-107"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"captured"}}'
`
	s := NewSupervisor(SupervisorOptions{
		Binary:         "/bin/sh",
		Args:           []string{"-c", script},
		TimeoutSeconds: 10,
		CaptureFile:    capturePath,
	})
	result := s.Run()

	if !result.Success {
		t.Fatalf("expected Success, got Failure(%s): %s", result.ErrorKind, result.Message)
	}
	data, err := os.ReadFile(capturePath)
	if err != nil {
		t.Fatalf("capture file not written: %v", err)
	}
	if !strings.Contains(string(data), "thread.started") {
		t.Errorf("capture file should hold the raw stream, got %q", string(data))
	}
}

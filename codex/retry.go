package codex

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/zhubert/codex-bridge/logger"
)

// Request describes one invocation of the codex CLI. SessionID selects
// resume mode; everything else feeds command construction directly.
type Request struct {
	Prompt          string
	WorkingDir      string
	SessionID       string
	Attachments     []string
	Model           string
	BypassApprovals bool
	SandboxPolicy   string
	CaptureTrace    bool
	CaptureFile     string
}

// Engine wraps the supervisor with policy validation, failure
// classification, and jittered exponential backoff. Attempts are strictly
// sequential; the backoff sleep is the only suspension point between them.
type Engine struct {
	binary string
	policy RetryPolicy
	log    *slog.Logger

	// Injection points for tests
	sleep func(time.Duration)
	run   func(SupervisorOptions) InvocationResult
}

// NewEngine creates an engine invoking the given binary under the given policy.
func NewEngine(binary string, policy RetryPolicy) *Engine {
	return &Engine{
		binary: binary,
		policy: policy,
		log:    logger.WithComponent("retry"),
		sleep:  time.Sleep,
		run: func(opts SupervisorOptions) InvocationResult {
			return NewSupervisor(opts).Run()
		},
	}
}

// Invoke runs the request up to MaxRetries+1 times. A Validation failure
// spawns nothing and returns immediately. The final failure carries the
// count of retries actually attempted.
func (e *Engine) Invoke(req Request) InvocationResult {
	if err := e.policy.Validate(); err != nil {
		e.log.Error("invalid retry policy", "error", err)
		result := failure(ErrorValidation, err.Error())
		return result
	}

	args := BuildCommandArgs(CommandConfig{
		Prompt:          req.Prompt,
		WorkingDir:      req.WorkingDir,
		SessionID:       req.SessionID,
		Attachments:     req.Attachments,
		Model:           req.Model,
		BypassApprovals: req.BypassApprovals,
		SandboxPolicy:   req.SandboxPolicy,
	})

	var result InvocationResult
	for attempt := 0; ; attempt++ {
		result = e.run(SupervisorOptions{
			Binary:         e.binary,
			Args:           args,
			TimeoutSeconds: e.policy.TimeoutSeconds,
			CaptureTrace:   req.CaptureTrace,
			CaptureFile:    req.CaptureFile,
		})

		if result.Success {
			if attempt > 0 {
				e.log.Info("invocation recovered", "attempt", attempt+1)
			}
			return result
		}

		if !result.ErrorKind.Retryable() || attempt == e.policy.MaxRetries {
			result.RetriesAttempted = attempt
			e.log.Warn("invocation failed",
				"kind", result.ErrorKind,
				"message", result.Message,
				"retriesAttempted", attempt)
			return result
		}

		delay := backoffDelay(attempt)
		e.log.Warn("attempt failed, backing off",
			"attempt", attempt+1,
			"kind", result.ErrorKind,
			"delay", delay)
		e.sleep(delay)
	}
}

// backoffDelay returns 2^attemptIndex seconds plus a uniform [0,1)s jitter.
// attemptIndex is zero-based, so the first retry waits roughly 1-2s.
func backoffDelay(attemptIndex int) time.Duration {
	seconds := math.Pow(2, float64(attemptIndex)) + rand.Float64()
	return time.Duration(seconds * float64(time.Second))
}

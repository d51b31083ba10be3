// Package batch runs a list of independent prompts through the codex
// bridge, one at a time, and aggregates the results into a report.
package batch

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/zhubert/codex-bridge/codex"
	"github.com/zhubert/codex-bridge/config"
	"github.com/zhubert/codex-bridge/logger"
)

// previewLength caps the response preview carried in report entries.
const previewLength = 120

// Item is one prompt to run. ID is assigned automatically when empty.
type Item struct {
	ID      string
	Request codex.Request
}

// ItemResult pairs an item with its invocation outcome.
type ItemResult struct {
	ID        string
	SessionID string
	Success   bool
	Preview   string          // First part of the response text
	ErrorKind codex.ErrorKind // Set on failure
	Message   string          // Failure detail
	Retries   int             // Retries attempted before giving up
	Duration  time.Duration
}

// Report summarizes a batch run.
type Report struct {
	Items  []ItemResult
	Passed int
	Failed int
}

// Runner drives items through an engine strictly sequentially. Invocations
// are never concurrent; each item starts only after the previous one ended.
type Runner struct {
	cfg *config.Config
	log *slog.Logger

	// Injection point for tests
	invoke func(codex.Request) codex.InvocationResult
}

// NewRunner creates a runner backed by a retry engine built from cfg.
func NewRunner(cfg *config.Config) *Runner {
	engine := codex.NewEngine(cfg.GetBinary(), codex.RetryPolicy{
		TimeoutSeconds: cfg.GetTimeoutSeconds(),
		MaxRetries:     cfg.GetMaxRetries(),
	})
	return &Runner{
		cfg:    cfg,
		log:    logger.WithComponent("batch"),
		invoke: engine.Invoke,
	}
}

// Run executes every item in order and returns the aggregated report.
// A failing item does not stop the batch.
func (r *Runner) Run(items []Item) Report {
	report := Report{Items: make([]ItemResult, 0, len(items))}

	for i := range items {
		item := items[i]
		if item.ID == "" {
			item.ID = uuid.New().String()
		}

		req := r.prepareRequest(item)

		r.log.Info("batch item starting", "id", item.ID, "index", i, "total", len(items))
		start := time.Now()
		result := r.invoke(req)
		elapsed := time.Since(start)

		entry := ItemResult{
			ID:        item.ID,
			SessionID: result.SessionID,
			Success:   result.Success,
			Retries:   result.RetriesAttempted,
			Duration:  elapsed,
		}
		if result.Success {
			entry.Preview = preview(result.ResponseText)
			report.Passed++
			r.log.Info("batch item succeeded", "id", item.ID, "sessionID", result.SessionID, "duration", elapsed)
		} else {
			entry.ErrorKind = result.ErrorKind
			entry.Message = result.Message
			report.Failed++
			r.log.Warn("batch item failed",
				"id", item.ID,
				"kind", result.ErrorKind,
				"message", result.Message,
				"retries", result.RetriesAttempted)
		}
		report.Items = append(report.Items, entry)
	}

	return report
}

// prepareRequest fills config-level defaults and stream capture into the
// item's request.
func (r *Runner) prepareRequest(item Item) codex.Request {
	req := item.Request
	if req.SandboxPolicy == "" {
		req.SandboxPolicy = r.cfg.GetSandboxPolicy()
	}
	if req.Model == "" {
		req.Model = r.cfg.GetModel()
	}
	if !req.BypassApprovals {
		req.BypassApprovals = r.cfg.GetBypassApprovals()
	}
	if r.cfg.GetCaptureStream() && req.CaptureFile == "" {
		if path, err := logger.CaptureLogPath(item.ID); err == nil {
			req.CaptureFile = path
		}
	}
	return req
}

// preview returns roughly the first previewLength bytes of text with
// newlines collapsed to spaces, truncated on a rune boundary.
func preview(text string) string {
	flat := strings.Join(strings.Fields(text), " ")
	if len(flat) <= previewLength {
		return flat
	}
	cut := previewLength
	for cut > 0 && !utf8.RuneStart(flat[cut]) {
		cut--
	}
	return flat[:cut] + "..."
}

// FormatReport renders a report for display.
func FormatReport(report Report) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Batch: %d passed, %d failed\n", report.Passed, report.Failed))
	for _, item := range report.Items {
		status := "✓"
		if !item.Success {
			status = "✗"
		}
		sb.WriteString(fmt.Sprintf("  %s %s", status, item.ID))
		if item.SessionID != "" {
			sb.WriteString(fmt.Sprintf(" [%s]", item.SessionID))
		}
		if item.Success {
			if item.Preview != "" {
				sb.WriteString(fmt.Sprintf(": %s", item.Preview))
			}
		} else {
			sb.WriteString(fmt.Sprintf(": %s: %s", item.ErrorKind, item.Message))
			if item.Retries > 0 {
				sb.WriteString(fmt.Sprintf(" (after %d retries)", item.Retries))
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

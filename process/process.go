// Package process provides utilities for finding and cleaning up codex CLI
// processes left behind by crashed callers.
package process

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/zhubert/codex-bridge/exec"
	"github.com/zhubert/codex-bridge/logger"
)

// discoveryTimeout bounds the process-listing commands.
const discoveryTimeout = 5 * time.Second

// CodexProcess represents a running codex CLI process found on the system.
type CodexProcess struct {
	PID     int    // Process ID
	Command string // Full command line
}

// FindCodexProcesses finds all running codex exec processes on the system.
// This is useful for detecting orphaned processes that may have been left
// behind after a crash.
func FindCodexProcesses() ([]CodexProcess, error) {
	var processes []CodexProcess
	log := logger.WithComponent("process")

	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()

	executor := exec.GetDefaultExecutor()

	switch runtime.GOOS {
	case "darwin", "linux":
		// Use pgrep to find codex exec processes
		output, err := executor.Output(ctx, "", "pgrep", "-f", "codex.*exec")
		if err != nil {
			// pgrep returns exit code 1 if no processes found
			if strings.Contains(err.Error(), "exit status 1") {
				return processes, nil
			}
			return nil, err
		}

		pids := strings.Fields(string(output))
		for _, pidStr := range pids {
			pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
			if err != nil {
				continue
			}

			// Get the full command line for this PID
			psOutput, err := executor.Output(ctx, "", "ps", "-p", pidStr, "-o", "args=")
			if err != nil {
				continue
			}

			processes = append(processes, CodexProcess{
				PID:     pid,
				Command: strings.TrimSpace(string(psOutput)),
			})
		}

	case "windows":
		// Use tasklist on Windows
		output, err := executor.Output(ctx, "", "tasklist", "/FI", "IMAGENAME eq codex*", "/FO", "CSV", "/NH")
		if err != nil {
			return nil, err
		}

		lines := strings.Split(string(output), "\n")
		for _, line := range lines {
			fields := strings.Split(line, ",")
			if len(fields) >= 2 {
				pidStr := strings.Trim(strings.TrimSpace(fields[1]), "\"")
				pid, err := strconv.Atoi(pidStr)
				if err != nil {
					continue
				}
				processes = append(processes, CodexProcess{
					PID:     pid,
					Command: strings.Trim(fields[0], "\""),
				})
			}
		}
	}

	log.Debug("found codex processes", "count", len(processes))
	return processes, nil
}

// KillProcess kills a process by PID.
func KillProcess(pid int) error {
	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()

	executor := exec.GetDefaultExecutor()

	switch runtime.GOOS {
	case "darwin", "linux":
		_, _, err := executor.Run(ctx, "", "kill", "-9", strconv.Itoa(pid))
		return err
	case "windows":
		_, _, err := executor.Run(ctx, "", "taskkill", "/F", "/PID", strconv.Itoa(pid))
		return err
	}
	return nil
}

// FindOrphanedCodexProcesses finds codex processes resuming session IDs
// that aren't in the provided list of known session IDs.
func FindOrphanedCodexProcesses(knownSessionIDs map[string]bool) ([]CodexProcess, error) {
	allProcesses, err := FindCodexProcesses()
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var orphans []CodexProcess
	for _, proc := range allProcesses {
		sessionID := extractSessionID(proc.Command)
		if sessionID != "" && !knownSessionIDs[sessionID] {
			orphans = append(orphans, proc)
			log.Info("found orphaned codex process", "pid", proc.PID, "sessionID", sessionID)
		}
	}

	return orphans, nil
}

// extractSessionID extracts the session ID from a codex CLI command line.
// Resume invocations carry the id as the positional argument after the
// resume subcommand.
func extractSessionID(cmdLine string) string {
	fields := strings.Fields(cmdLine)
	for i, field := range fields {
		if field == "resume" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// CleanupOrphanedProcesses kills all codex processes that don't match known
// session IDs. Returns the number of processes killed.
func CleanupOrphanedProcesses(knownSessionIDs map[string]bool) (int, error) {
	orphans, err := FindOrphanedCodexProcesses(knownSessionIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned codex process", "pid", proc.PID)
		if err := KillProcess(proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}

	return killed, nil
}

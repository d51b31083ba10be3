package codex

// CommandConfig holds the inputs for building one codex invocation.
type CommandConfig struct {
	Prompt          string
	WorkingDir      string
	SessionID       string   // when set, resumes an existing session
	Attachments     []string // image paths passed to the child
	Model           string   // optional model override
	BypassApprovals bool
	SandboxPolicy   string // caller-facing name, translated via sandboxPolicyFlags
}

// sandboxPolicyFlags translates caller-facing policy names to the values
// the codex CLI actually accepts.
var sandboxPolicyFlags = map[string]string{
	"read-only":       "read-only",
	"workspace-write": "workspace-write",
	"full-access":     "danger-full-access",
}

// resolveSandboxPolicy maps a policy name through the lookup table,
// passing unknown values through unchanged.
func resolveSandboxPolicy(policy string) string {
	if resolved, ok := sandboxPolicyFlags[policy]; ok {
		return resolved
	}
	return policy
}

// BuildCommandArgs builds the argument vector for the codex CLI based on the config.
// This is exported for testing purposes to verify correct argument construction.
//
// Resume mode appends `resume <sessionID> <prompt>` with no `--` marker;
// fresh mode appends `-- <prompt>` and never the resume subcommand. The
// child parses the prompt position differently per mode, so the two forms
// are not interchangeable.
func BuildCommandArgs(config CommandConfig) []string {
	args := []string{
		"exec",
		"--json",
		"--sandbox", resolveSandboxPolicy(config.SandboxPolicy),
		"-C", config.WorkingDir,
		"--skip-git-repo-check",
	}

	for _, path := range config.Attachments {
		args = append(args, "--image", path)
	}

	if config.Model != "" {
		args = append(args, "--model", config.Model)
	}

	if config.BypassApprovals {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}

	if config.SessionID != "" {
		args = append(args, "resume", config.SessionID, config.Prompt)
	} else {
		args = append(args, "--", config.Prompt)
	}

	return args
}

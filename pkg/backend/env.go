package backend

import (
	"log/slog"
	"os"
	"sort"
)

// defaultAllowlist is the set of process environment variables a task
// execution is permitted to inherit. Anything task-scoped (API keys,
// per-job secrets) must come from Task.Environment by name, never by
// widening this list.
var defaultAllowlist = []string{
	"PATH",
	"HOME",
	"LANG",
	"TZ",
	"TMPDIR",
}

// AllowlistedEnv builds the environment for a task execution: the process
// environment filtered down to allowlist, overlaid with task-scoped values
// from taskEnv. Task-scoped values always win on key collision.
func AllowlistedEnv(allowlist []string, taskEnv map[string]string) []string {
	if allowlist == nil {
		allowlist = defaultAllowlist
	}
	out := make(map[string]string, len(allowlist)+len(taskEnv))
	for _, key := range allowlist {
		if v, ok := os.LookupEnv(key); ok {
			out[key] = v
		}
	}
	for k, v := range taskEnv {
		out[k] = v
	}

	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+out[k])
	}
	return env
}

// redactedEnv logs only the variable names a task execution received, never
// the values — mirrors the masking package's fail-closed discipline of
// never surfacing secret content in log fields.
func redactedEnv(taskEnv map[string]string) []string {
	keys := make([]string, 0, len(taskEnv))
	for k := range taskEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LogTaskEnvironment emits a debug log line naming which task-scoped
// environment keys were injected, without ever logging a value.
func LogTaskEnvironment(logger *slog.Logger, jobID string, taskEnv map[string]string) {
	logger.Debug("task environment resolved", "job_id", jobID, "injected_keys", redactedEnv(taskEnv))
}

package grpcbackend

// Wire messages exchanged with the local execution sidecar over a
// streaming gRPC call (method generateMethod below), framed with the JSON
// codec registered in codec.go. The field names match the sidecar's
// contract; this package owns translation to/from pkg/backend's types.

type generateRequest struct {
	JobID       string            `json:"jobId"`
	Goal        string            `json:"goal"`
	Instruction string            `json:"instruction"`
	Context     map[string]any    `json:"context,omitempty"`
	Environment []string          `json:"environment,omitempty"`
	Constraints map[string]any    `json:"constraints,omitempty"`
	TimeoutMs   int64             `json:"timeoutMs,omitempty"`
}

type generateResponse struct {
	Type       string      `json:"type"` // text | tool_use | tool_result | usage | error | complete
	Text       string      `json:"text,omitempty"`
	ToolCallID string      `json:"toolCallId,omitempty"`
	ToolName   string      `json:"toolName,omitempty"`
	ToolArgs   string      `json:"toolArgs,omitempty"`
	ToolOutput string      `json:"toolOutput,omitempty"`
	Usage      *usageWire  `json:"usage,omitempty"`
	Error      *errorWire  `json:"error,omitempty"`
	Result     *resultWire `json:"result,omitempty"`
}

type usageWire struct {
	InputTokens    int `json:"inputTokens"`
	OutputTokens   int `json:"outputTokens"`
	TotalTokens    int `json:"totalTokens"`
	ThinkingTokens int `json:"thinkingTokens"`
}

type errorWire struct {
	Message          string `json:"message"`
	Classification   string `json:"classification"`
	PartialExecution bool   `json:"partialExecution"`
}

type fileChangeWire struct {
	Path       string `json:"path"`
	ChangeType string `json:"changeType"`
}

type resultWire struct {
	Status      string           `json:"status"`
	ExitCode    int              `json:"exitCode"`
	Summary     string           `json:"summary"`
	FileChanges []fileChangeWire `json:"fileChanges,omitempty"`
	Stdout      string           `json:"stdout,omitempty"`
	Stderr      string           `json:"stderr,omitempty"`
	Usage       *usageWire       `json:"usage,omitempty"`
	DurationMs  int64            `json:"durationMs"`
	Error       *errorWire       `json:"error,omitempty"`
}

type healthCheckResponse struct {
	Status    string         `json:"status"`
	LatencyMs int64          `json:"latencyMs"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

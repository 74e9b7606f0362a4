package types

// Role is the author of a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type UsageSummary struct {
	TotalCalls        int `json:"total_calls"`
	TotalInputTokens  int `json:"total_input_tokens"`
	TotalOutputTokens int `json:"total_output_tokens"`
}

// Status is the externally visible state of a session.
type Status string

const (
	StatusRunning       Status = "RUNNING"
	StatusAwaitingFinal Status = "AWAITING_FINAL"
	StatusDone          Status = "DONE"
	StatusFailed        Status = "FAILED"
)

// CodeBlock is the single fenced snippet honored for an assistant turn.
type CodeBlock struct {
	Source     string `json:"source"`
	WellFormed bool   `json:"well_formed"`
}

// SubModelCall records one llm_query round trip made from sandbox code.
type SubModelCall struct {
	Model    string  `json:"model"`
	Prompt   string  `json:"prompt"`
	Response string  `json:"response,omitempty"`
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"duration"`
}

// ExecutionResult is the outcome of running one CodeBlock. Variables lists
// the names bound in the namespace after the run, never their values.
type ExecutionResult struct {
	Stdout        string         `json:"stdout"`
	Failed        bool           `json:"failed"`
	ErrorCode     ErrorCode      `json:"error_code,omitempty"`
	Error         string         `json:"error,omitempty"`
	Variables     []string       `json:"variables"`
	ExecutionTime float64        `json:"execution_time"`
	SubModelCalls []SubModelCall `json:"sub_model_calls,omitempty"`
}

// Turn is one role-tagged entry of the session transcript. Code and Result
// are only set on assistant turns whose code block was executed.
type Turn struct {
	Role    Role             `json:"role"`
	Content string           `json:"content"`
	Code    *CodeBlock       `json:"code,omitempty"`
	Result  *ExecutionResult `json:"result,omitempty"`
}

// FinalAnswerRequest is a parsed termination directive.
type FinalAnswerRequest struct {
	Name   string `json:"name,omitempty"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// SessionResult is what a finished session reports to its caller. Answer is
// set only when Status is DONE; FailureCode only when it is FAILED.
type SessionResult struct {
	SessionID      string       `json:"session_id"`
	RootModel      string       `json:"root_model"`
	Query          string       `json:"query"`
	Status         Status       `json:"status"`
	Answer         *Value       `json:"answer,omitempty"`
	AnswerVariable string       `json:"answer_variable,omitempty"`
	FailureCode    ErrorCode    `json:"failure_code,omitempty"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	Iterations     int          `json:"iterations"`
	Transcript     []Turn       `json:"transcript"`
	UsageSummary   UsageSummary `json:"usage_summary"`
	ExecutionTime  float64      `json:"execution_time"`
}

package intent

// ErrorInfo is the user-facing description of a failure. Raw internal
// errors stay on the diagnostic log channel; only the sanitized code
// and message travel in a Result.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the terminal value returned from a dispatch. A failed
// result carries Suggestions whenever the producer can offer any.
type Result struct {
	Success     bool           `json:"success"`
	Output      string         `json:"output"`
	Err         *ErrorInfo     `json:"error,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Metadata keys extensions use to describe side effects. The System
// applies these to the Session after dispatch; extensions never mutate
// shared state directly.
const (
	MetaHistoryNote   = "history.note"
	MetaPreferenceSet = "preferences.set"
)

// Ok builds a successful result.
func Ok(output string) *Result {
	return &Result{Success: true, Output: output}
}

// Fail builds a failed result with a sanitized error and suggestions.
func Fail(code, message string, suggestions ...string) *Result {
	return &Result{
		Success:     false,
		Err:         &ErrorInfo{Code: code, Message: message},
		Suggestions: suggestions,
	}
}

// WithMetadata attaches a metadata key, allocating the map lazily.
func (r *Result) WithMetadata(key string, value any) *Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}

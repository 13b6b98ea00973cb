package core

import "strings"

// GenerationRequest is the inbound body of POST /api/generate.
type GenerationRequest struct {
	Input string `json:"input"`
}

// Validate rejects absent, empty, or whitespace-only input.
// The input itself is forwarded untouched.
func (r *GenerationRequest) Validate() error {
	if r == nil || strings.TrimSpace(r.Input) == "" {
		return NewMissingInputError()
	}
	return nil
}

// Preview returns at most n runes of the input for log lines.
func (r *GenerationRequest) Preview(n int) string {
	runes := []rune(r.Input)
	if len(runes) <= n {
		return r.Input
	}
	return string(runes[:n]) + "..."
}

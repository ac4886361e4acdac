// Package agent implements the document tailoring agent: the loop driver,
// its continuation policy and the transcript service built on top of them.
package agent

import (
	"errors"

	"github.com/ashureev/tailor/internal/domain"
)

// ErrBadRequest marks transcript requests rejected before a turn starts.
var ErrBadRequest = errors.New("bad request")

// TranscriptRequest is one user message, plus source materials on the
// first turn of a session.
type TranscriptRequest struct {
	SessionToken string              `json:"session_token,omitempty"`
	Message      string              `json:"message"`
	DocumentText string              `json:"document_text,omitempty"`
	DocumentName string              `json:"document_name,omitempty"`
	DocumentPath string              `json:"document_path,omitempty"`
	TargetText   string              `json:"target_text,omitempty"`
	ProfileLinks domain.ProfileLinks `json:"profile_links,omitzero"`
}

// HasMaterials reports whether the request carries any first-turn field.
func (r TranscriptRequest) HasMaterials() bool {
	return r.DocumentText != "" || r.DocumentName != "" || r.DocumentPath != "" ||
		r.TargetText != "" || !r.ProfileLinks.IsZero()
}

// Termination explains why a turn ended.
type Termination struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
	Steps  int    `json:"steps"`
}

// TranscriptResponse is the synchronous result of a turn.
type TranscriptResponse struct {
	SessionToken   string       `json:"session_token"`
	AnswerText     string       `json:"answer_text"`
	ToolUsed       bool         `json:"tool_used"`
	ToolTrace      []TraceEntry `json:"tool_trace"`
	ThinkingNote   string       `json:"thinking_note,omitempty"`
	ArtifactName   string       `json:"artifact_name,omitempty"`
	ArtifactExists bool         `json:"artifact_exists"`
	Termination    Termination  `json:"termination"`
}

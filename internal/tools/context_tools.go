package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/ashureev/tailor/internal/contextstore"
)

var emptyObjectSchema = mustSchema(map[string]any{
	"type":                 "object",
	"properties":           map[string]any{},
	"additionalProperties": true,
})

// DocumentEnvelope wraps the full source document for the model.
func DocumentEnvelope(text string) string {
	return fmt.Sprintf("DOCUMENT TEXT:\n\n%s\n\n(end of document, %d characters)", text, utf8.RuneCountInString(text))
}

// TargetEnvelope wraps the full target description for the model.
func TargetEnvelope(text string) string {
	return fmt.Sprintf("TARGET DESCRIPTION:\n\n%s\n\n(end of target description, %d characters)", text, utf8.RuneCountInString(text))
}

// ContextTools returns the two retrieval tools backed by provider. They run
// no logic of their own: they forward to the provider and wrap the text.
func ContextTools(provider contextstore.Provider) []Tool {
	return []Tool{
		{
			Spec: Spec{
				Name: FetchSourceDocument,
				Description: "Retrieve the complete text of the uploaded source document (the resume). " +
					"Call this once per turn; the full text is returned in a single result.",
				Schema:     emptyObjectSchema,
				SideEffect: PureRetrieval,
			},
			Exec: func(ctx context.Context, inv Invocation, _ json.RawMessage) (Observation, error) {
				text, err := provider.RetrieveDocument(ctx, inv.SessionToken)
				if err != nil {
					return Observation{}, err
				}
				return Observation{Text: DocumentEnvelope(text)}, nil
			},
		},
		{
			Spec: Spec{
				Name: FetchTargetDescription,
				Description: "Retrieve the complete target description (the job posting). " +
					"Call this once per turn; the full text is returned in a single result.",
				Schema:     emptyObjectSchema,
				SideEffect: PureRetrieval,
			},
			Exec: func(ctx context.Context, inv Invocation, _ json.RawMessage) (Observation, error) {
				text, err := provider.RetrieveTarget(ctx, inv.SessionToken)
				if err != nil {
					return Observation{}, err
				}
				return Observation{Text: TargetEnvelope(text)}, nil
			},
		},
	}
}

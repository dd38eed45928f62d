package aimeter

import "fmt"

// Operation is a kind of AI-backed operation. The set is closed: every value
// listed in AllOperations must have an OperationProfile.
type Operation string

const (
	// OperationIdeas generates content ideas from a topic
	OperationIdeas Operation = "ideas"
	// OperationOutline turns an idea into a structured outline
	OperationOutline Operation = "outline"
	// OperationDraft writes a full draft from an outline
	OperationDraft Operation = "draft"
	// OperationRewrite rewrites existing text in a requested tone
	OperationRewrite Operation = "rewrite"
	// OperationSummarize condenses text
	OperationSummarize Operation = "summarize"
	// OperationHeadlines proposes titles for a piece
	OperationHeadlines Operation = "headlines"
)

// AllOperations lists every known operation kind.
var AllOperations = []Operation{
	OperationIdeas,
	OperationOutline,
	OperationDraft,
	OperationRewrite,
	OperationSummarize,
	OperationHeadlines,
}

// Valid reports whether op is a known operation kind.
func (op Operation) Valid() bool {
	switch op {
	case OperationIdeas, OperationOutline, OperationDraft,
		OperationRewrite, OperationSummarize, OperationHeadlines:
		return true
	}
	return false
}

// ParseOperation converts a string into an Operation, returning ErrInvalidOperation for unknown values.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, s)
	}
	return op, nil
}

// OperationProfile holds the fixed cost parameters of one operation kind.
type OperationProfile struct {
	// ExpectedOutputTokens is the output size assumed when estimating
	ExpectedOutputTokens int64

	// SystemPrompt is the fixed instruction text sent with every request of this kind
	SystemPrompt string
}

// DefaultOperationProfiles returns the built-in profile table.
func DefaultOperationProfiles() map[Operation]OperationProfile {
	return map[Operation]OperationProfile{
		OperationIdeas: {
			ExpectedOutputTokens: 600,
			SystemPrompt: "You are a content strategist. Generate a numbered list of fresh, " +
				"specific content ideas for the topic and audience provided. Each idea has a " +
				"one-line hook and a short rationale. Respond in JSON.",
		},
		OperationOutline: {
			ExpectedOutputTokens: 900,
			SystemPrompt: "You are an editor. Produce a hierarchical outline for the idea " +
				"provided, with section headings, key points and suggested word counts. " +
				"Respond in JSON.",
		},
		OperationDraft: {
			ExpectedOutputTokens: 2500,
			SystemPrompt: "You are a professional writer. Write a complete draft following " +
				"the outline provided, matching the requested tone and length. Use markdown " +
				"headings for sections.",
		},
		OperationRewrite: {
			ExpectedOutputTokens: 1200,
			SystemPrompt: "You are a copy editor. Rewrite the text provided in the requested " +
				"tone while preserving its meaning, facts and structure.",
		},
		OperationSummarize: {
			ExpectedOutputTokens: 400,
			SystemPrompt: "Summarize the text provided in a few sentences, keeping the most " +
				"important facts and the author's conclusion.",
		},
		OperationHeadlines: {
			ExpectedOutputTokens: 250,
			SystemPrompt: "Propose ten headline options for the content provided. Vary the " +
				"style between direct, curious and benefit-led. Respond in JSON.",
		},
	}
}

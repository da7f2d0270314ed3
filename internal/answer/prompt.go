package answer

import (
	"fmt"
	"strings"

	"docqa/internal/retrieval"
)

// RefusalMessage is returned instead of a model answer when the evidence
// does not pass the groundedness gate.
const RefusalMessage = "I couldn't find enough information in your documents to answer this question confidently. " +
	"Try rephrasing the question, or upload a document that covers this topic."

const Disclaimer = "This answer is based solely on your uploaded documents and is not legal or professional advice."

const systemDirective = `You are a document assistant. You answer questions using ONLY the evidence passages provided with each question.

Rules:
1. Use only the provided evidence. Never rely on outside knowledge.
2. Cite the source document name in square brackets after every claim, for example [lease.pdf].
3. If the evidence does not contain the answer, or only part of it, say so explicitly instead of guessing.
4. Never give binding legal, financial, medical or other professional advice.
5. Always end your answer with this disclaimer: "` + Disclaimer + `"`

const responseFormat = `Response format:
- Answer in clear, concise prose.
- Put a citation such as [filename] after each claim.
- State plainly which parts of the question the evidence does not cover.
- Finish with the disclaimer.`

// renderEvidence numbers each source and shows its similarity as a percentage
// followed by the full chunk content.
func renderEvidence(sources []retrieval.Source) string {
	var b strings.Builder
	for i, s := range sources {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s (similarity %.0f%%)\n%s", i+1, s.Filename, s.Score*100, s.Content)
	}
	return b.String()
}

func renderPrompt(query string, sources []retrieval.Source) string {
	var b strings.Builder
	b.WriteString("Evidence from the user's documents:\n\n")
	b.WriteString(renderEvidence(sources))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(strings.TrimSpace(query))
	b.WriteString("\n\n")
	b.WriteString(responseFormat)
	return b.String()
}

// recentHistory keeps the last n turns.
func recentHistory(history []Turn, n int) []Turn {
	if n <= 0 {
		return nil
	}
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

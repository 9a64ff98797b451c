package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

// systemPrompt is formatted with the persona name and the JSON-encoded
// retrieved chunks.
const systemPrompt = `You are a helpful AI assistant called %q. You help students with their studies by answering questions about the material they uploaded: PDF files, video transcripts and code repositories. When the student wants to know more about a point, explain it simply and add what is missing.

Context:
%s

Guidelines:
- Answer in the context of the uploaded material. Questions about related topics the material does not cover get a short, simple explanation.
- Cite where the answer was found: the page number (metadata.loc.pageNumber) for PDFs, the timestamp (metadata.loc.startSeconds) for videos, the file path (metadata.loc.path) for repositories.
- If the context is empty, say that none of the uploaded material matched the question before answering from general knowledge, and do not cite any page.
- If you don't know the answer, say that you don't know.
- Keep the answer concise and friendly, like a college buddy would. Use bullet points or numbers for lists, emojis where they fit, and line breaks only where needed.`

// SystemPrompt renders the system instruction for the retrieved chunks.
// about, when non-empty, is appended for questions about who built the
// assistant.
func SystemPrompt(persona, about string, chunks []document.Chunk) (string, error) {
	if chunks == nil {
		chunks = []document.Chunk{}
	}
	raw, err := json.Marshal(chunks)
	if err != nil {
		return "", fmt.Errorf("encoding context: %w", err)
	}
	prompt := fmt.Sprintf(systemPrompt, persona, raw)
	if about = strings.TrimSpace(about); about != "" {
		prompt += "\n\nIf asked about the developer behind this app:\n" + about
	}
	return prompt, nil
}

// Messages builds the completion request: system, previous user turn,
// previous assistant turn, current question. Empty previous turns are left
// out.
func Messages(system string, req Request) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, 4)
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, system))
	if prev := strings.TrimSpace(req.PreviousUserMessage); prev != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, prev))
	}
	if prev := strings.TrimSpace(req.PreviousAssistantMessage); prev != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeAI, prev))
	}
	return append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, strings.TrimSpace(req.Question)))
}

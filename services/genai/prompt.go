package genai

import "strings"

// DefaultLanguage is the language code that gets no explicit directive in
// the system prompt.
const DefaultLanguage = "en"

// ApologyFallback is returned to the user when every generation strategy
// has failed. Conversational continuity is preferred over a hard error.
const ApologyFallback = "I apologize, but I couldn't generate a response. Please try again."

// ApologyStreamFragment is the terminal chunk pushed to a streaming
// consumer when generation fails mid-stream, so the client is never left
// without a human-readable ending.
const ApologyStreamFragment = "\n\nI apologize, the response was interrupted. Please try again."

const personaPrompt = `You are an expert agricultural and livestock advisory AI assistant. You provide comprehensive guidance on:
- Crop management (planting, irrigation, fertilization, harvesting)
- Pest control and disease management
- Livestock care (cattle, buffalo, goats) - health, breeding, nutrition
- Weather-based farming advice
- Market prices and selling strategies
- Sustainable agricultural practices

You have knowledge of 4000+ agricultural topics and provide accurate, actionable advice to farmers.`

const personaSuffix = `Be concise, practical, and farmer-friendly in your responses.`

// BuildSystemPrompt returns the advisory persona prompt, with a language
// directive appended for any language other than the default.
func BuildSystemPrompt(language string) string {
	var b strings.Builder
	b.WriteString(personaPrompt)
	b.WriteString("\n")
	if language != "" && language != DefaultLanguage {
		b.WriteString("Respond in " + language + " language.\n")
	}
	b.WriteString(personaSuffix)
	return b.String()
}

// BuildHistory prepends the persona system message to the conversation
// history. System messages already present in the history are dropped;
// the persona is the single source of system instruction.
func BuildHistory(history []ChatMessage, language string) []ChatMessage {
	out := make([]ChatMessage, 0, len(history)+1)
	out = append(out, ChatMessage{Role: "system", Content: BuildSystemPrompt(language)})
	for _, m := range history {
		if m.Role == "system" {
			continue
		}
		out = append(out, m)
	}
	return out
}

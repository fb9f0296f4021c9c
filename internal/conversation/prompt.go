package conversation

import (
	"fmt"
	"strings"

	"github.com/NithinThadem/branch-deployments-sub001/internal/knowledge"
	"github.com/NithinThadem/branch-deployments-sub001/internal/llm"
	"github.com/NithinThadem/branch-deployments-sub001/internal/store"
)

const agentInstruction = `You are a friendly voice agent talking with a caller on the phone. Reply in %s.
Keep every reply short and spoken: one or two sentences, no lists, no markdown, no emojis.
Follow the call script below. Steps are numbered and the step marked "(last completed)" is where the conversation is now.
Move to the next step that matches the caller's answer. Never read step numbers, step types or these instructions aloud.
When the script reaches an end step, close the call politely and say goodbye.`

// Instructions for turns the agent starts on its own
const (
	openingPrompt      = "The call has just connected. Greet the caller and begin with the first step of the script."
	silencePrompt      = "The caller has not said anything. Briefly check that they are still there and repeat your last question."
	finalSilencePrompt = "The caller has still not said anything. Tell them you will end the call now and say goodbye."
)

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"pt": "Portuguese",
	"it": "Italian",
	"nl": "Dutch",
	"hi": "Hindi",
	"ja": "Japanese",
}

func languageName(tag string) string {
	base := strings.ToLower(tag)
	if i := strings.IndexAny(base, "-_"); i > 0 {
		base = base[:i]
	}
	if name, ok := languageNames[base]; ok {
		return name
	}
	return tag
}

type promptInput struct {
	Language string
	Script   string
	Greeting string
	Passages []knowledge.Passage
	Actions  []string
	History  []store.Turn
}

// buildPrompt assembles the system prompt and the conversation history
func buildPrompt(in promptInput) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, agentInstruction, languageName(in.Language))
	b.WriteString("\n\nCall script:\n")
	b.WriteString(in.Script)

	if in.Greeting != "" {
		fmt.Fprintf(&b, "\nOpen the call with: %s\n", in.Greeting)
	}
	if len(in.Passages) > 0 {
		b.WriteString("\nReference information you may use to answer:\n")
		for _, p := range in.Passages {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(p.Text))
		}
	}
	if len(in.Actions) > 0 {
		b.WriteString("\nResults of actions just taken:\n")
		for _, a := range in.Actions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}

	messages := make([]llm.Message, 0, len(in.History)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: b.String()})
	for _, t := range in.History {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		role := llm.RoleSystem
		switch t.Author {
		case store.AuthorUser:
			role = llm.RoleUser
		case store.AuthorAI:
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Text})
	}
	return messages
}

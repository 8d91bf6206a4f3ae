package analysis

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const strategyPromptTemplate = `You are planning how to answer a question using summaries of recorded work sessions.

The user's question is:
%s

The question will be answered in two steps: first each session transcript is summarized independently, then the summaries are combined. Derive the single most useful sub-question to ask of EACH individual transcript so that the combined summaries can answer the user's question.

Respond with the sub-question only, no preamble.`

const mapPromptTemplate = `You are summarizing one recorded session transcript to help answer a question.

Question:
%s

Transcript:
%s

Write a concise summary of this transcript focused strictly on information relevant to the question. If the transcript contains nothing relevant, say so explicitly.`

const reducePromptTemplate = `You are answering a question using summaries of recorded work sessions. Each summary was produced independently from one session transcript.

Question:
%s

Session summaries:
%s

Using only the summaries above, write the final answer to the question. Be specific and cite session numbers where relevant.`

func strategyPrompt(question string) string {
	return fmt.Sprintf(strategyPromptTemplate, question)
}

func mapPrompt(question, transcript string) string {
	return fmt.Sprintf(mapPromptTemplate, question, transcript)
}

func reducePrompt(question string, summaries []sessionSummary) string {
	var b strings.Builder
	for _, s := range summaries {
		fmt.Fprintf(&b, "--- Session %d ---\n%s\n\n", s.SessionID, s.Text)
	}
	return fmt.Sprintf(reducePromptTemplate, question, strings.TrimRight(b.String(), "\n"))
}

type sessionSummary struct {
	SessionID int64
	Text      string
}

// truncateTranscript bounds the transcript to roughly fit the model context,
// reserving a quarter of the window for the question and the response. The
// chars-per-token ratio mirrors the usage estimate in the llm package.
func truncateTranscript(transcript string, contextSize int) string {
	if contextSize <= 0 {
		return transcript
	}
	maxChars := contextSize * 3 // 3/4 of the window, 4 chars per token
	if len(transcript) <= maxChars {
		return transcript
	}
	// never cut through a multi-byte rune
	for maxChars > 0 && !utf8.RuneStart(transcript[maxChars]) {
		maxChars--
	}
	return transcript[:maxChars]
}

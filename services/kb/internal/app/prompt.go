package app

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"kbchat/pkg/domain"
)

const sessionTitleRunes = 80

func systemPrompt(kb domain.KnowledgeBase) string {
	storeID := kb.GeminiStoreID
	if storeID == "" {
		storeID = "none"
	}
	return fmt.Sprintf(`You are a helpful AI assistant that answers questions based on the uploaded documents in the knowledge base %q.
File Search Store ID: %s

Instructions:
- Only answer questions based on the content in the uploaded documents
- If the answer is not in the documents, say "I don't have information about that in the uploaded documents"
- Be concise but thorough in your answers
- Cite specific information from the documents when relevant
- If asked about topics not in the documents, politely redirect to document-based questions`, kb.Name, storeID)
}

// sessionTitle derives a title from the opening question.
func sessionTitle(question string) string {
	title := strings.Join(strings.Fields(question), " ")
	if utf8.RuneCountInString(title) <= sessionTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:sessionTitleRunes-1])) + "…"
}

package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"kbchat/internal/ratelimit"
	"kbchat/internal/util"
	"kbchat/pkg/ai"
	"kbchat/pkg/domain"
	"kbchat/pkg/quota"
)

const persistTimeout = 10 * time.Second

type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ChatMessageInput is one conversation turn as sent by the client. Assistant
// turns may carry their text in Parts instead of Content.
type ChatMessageInput struct {
	Role    string        `json:"role"`
	Content string        `json:"content"`
	Parts   []MessagePart `json:"parts,omitempty"`
}

type ChatInput struct {
	SessionID string
	Messages  []ChatMessageInput
}

// ChatTurn is an accepted chat request. Its identifiers and rate-limit
// standing are known before the first byte is streamed.
type ChatTurn struct {
	SessionID string
	MessageID string
	RateLimit ratelimit.Decision

	user     domain.User
	kb       domain.KnowledgeBase
	messages []ai.Message
}

func (m ChatMessageInput) text() string {
	if m.Role == string(domain.RoleAssistant) && len(m.Parts) > 0 {
		var b strings.Builder
		for _, p := range m.Parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return m.Content
}

func convertMessages(in []ChatMessageInput) ([]ai.Message, error) {
	if len(in) == 0 {
		return nil, invalid("No messages provided")
	}
	if last := in[len(in)-1]; last.Role != string(domain.RoleUser) {
		return nil, invalid("Last message must be from user")
	}
	out := make([]ai.Message, 0, len(in))
	for _, m := range in {
		switch m.Role {
		case string(domain.RoleUser):
			out = append(out, ai.Message{Role: ai.RoleUser, Text: m.text()})
		case string(domain.RoleAssistant):
			out = append(out, ai.Message{Role: ai.RoleAssistant, Text: m.text()})
		default:
			// system and tool turns from the client are not forwarded
		}
	}
	if strings.TrimSpace(out[len(out)-1].Text) == "" {
		return nil, invalid("Message content is required")
	}
	return out, nil
}

func rateLimited(limit int, resetAt time.Time) error {
	return &RateLimitError{
		Message: quota.QueryLimitMessage(limit, resetAt),
		Limit:   limit,
		ResetAt: resetAt,
	}
}

// StartChat runs every check that must pass before the model is called and
// records the user's question. The in-process limiter is consulted first,
// the ledger second, and the query is only counted locally once both agree.
func (a *App) StartChat(ctx context.Context, user domain.User, knowledgeBaseID string, in ChatInput) (*ChatTurn, error) {
	if d := a.limiter.Check(ctx, user.ID); !d.Allowed {
		a.metrics.QuotaDenied("queries")
		return nil, rateLimited(d.Limit, d.ResetAt)
	}
	kb, err := a.ownedKnowledgeBase(ctx, user, knowledgeBaseID)
	if err != nil {
		return nil, err
	}
	ready, err := a.store.CountFiles(ctx, kb.ID, domain.FileReady)
	if err != nil {
		return nil, failed("Failed to fetch knowledge base", err)
	}
	if ready == 0 {
		return nil, ErrNoReadyFiles
	}
	messages, err := convertMessages(in.Messages)
	if err != nil {
		return nil, err
	}
	session, found, err := a.existingSession(ctx, user, kb, strings.TrimSpace(in.SessionID))
	if err != nil {
		return nil, err
	}
	if res := a.quota.CheckQuery(ctx, user.ID); !res.Allowed {
		a.metrics.QuotaDenied("queries")
		return nil, rateLimited(int(res.Limit), res.ResetAt)
	}
	decision, err := a.limiter.Consume(ctx, user.ID)
	if err != nil {
		if errors.Is(err, ratelimit.ErrLimiterClosed) {
			return nil, failed("Service is shutting down", err)
		}
		return nil, failed("Internal server error", err)
	}
	if !decision.Allowed {
		a.metrics.QuotaDenied("queries")
		return nil, rateLimited(decision.Limit, decision.ResetAt)
	}

	question := messages[len(messages)-1].Text
	if !found {
		if session, err = a.newSession(ctx, user, kb, question); err != nil {
			return nil, err
		}
	}
	if err := a.store.AppendChatMessage(ctx, domain.ChatMessage{
		ID:        util.NewRecordID(),
		SessionID: session.ID,
		Role:      domain.RoleUser,
		Content:   question,
		CreatedAt: a.clock(),
	}); err != nil {
		return nil, failed("Failed to save chat message", err)
	}
	return &ChatTurn{
		SessionID: session.ID,
		MessageID: util.NewRecordID(),
		RateLimit: decision,
		user:      user,
		kb:        kb,
		messages:  messages,
	}, nil
}

// existingSession resolves a client supplied session id. It must belong to
// the user and to kb.
func (a *App) existingSession(ctx context.Context, user domain.User, kb domain.KnowledgeBase, sessionID string) (domain.ChatSession, bool, error) {
	if sessionID == "" {
		return domain.ChatSession{}, false, nil
	}
	if !util.IsRecordID(sessionID) {
		return domain.ChatSession{}, false, errSessionNotFound
	}
	session, ok, err := a.store.GetChatSession(ctx, sessionID, user.ID)
	if err != nil {
		return domain.ChatSession{}, false, failed("Failed to fetch chat session", err)
	}
	if !ok || session.KnowledgeBaseID != kb.ID {
		return domain.ChatSession{}, false, errSessionNotFound
	}
	return session, true, nil
}

func (a *App) newSession(ctx context.Context, user domain.User, kb domain.KnowledgeBase, question string) (domain.ChatSession, error) {
	now := a.clock()
	session := domain.ChatSession{
		ID:              util.NewRecordID(),
		KnowledgeBaseID: kb.ID,
		UserID:          user.ID,
		Title:           sessionTitle(question),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.store.CreateChatSession(ctx, session); err != nil {
		return domain.ChatSession{}, failed("Failed to create chat session", err)
	}
	return session, nil
}

// StreamChat generates the answer for turn, forwarding fragments to onDelta.
// The query is charged to the ledger once the model produced output, and the
// answer is stored with its grounding metadata on success.
func (a *App) StreamChat(ctx context.Context, turn *ChatTurn, onDelta func(string) error) (ai.ChatResult, error) {
	delivered := false
	res, err := a.generator.StreamGenerate(ctx, ai.ChatRequest{
		StoreName:    turn.kb.GeminiStoreID,
		SystemPrompt: systemPrompt(turn.kb),
		Messages:     turn.messages,
	}, func(delta string) error {
		delivered = true
		return onDelta(delta)
	})
	if delivered || err == nil {
		a.quota.RecordQueryAsync(turn.user.ID)
		a.metrics.QueryServed()
	}
	if err != nil {
		return res, providerFailed("Failed to generate response", err)
	}

	pctx, cancel := a.detached(ctx, persistTimeout)
	defer cancel()
	now := a.clock()
	if err := a.store.AppendChatMessage(pctx, domain.ChatMessage{
		ID:        turn.MessageID,
		SessionID: turn.SessionID,
		Role:      domain.RoleAssistant,
		Content:   res.Text,
		Grounding: res.Grounding,
		CreatedAt: now,
	}); err != nil {
		a.logger.Error("save assistant message failed", "session_id", turn.SessionID, "err", err)
	}
	if err := a.store.TouchChatSession(pctx, turn.SessionID, now); err != nil {
		a.logger.Warn("touch chat session failed", "session_id", turn.SessionID, "err", err)
	}
	return res, nil
}

// ListChatSessions returns the user's sessions for a knowledge base.
func (a *App) ListChatSessions(ctx context.Context, user domain.User, knowledgeBaseID string) ([]domain.ChatSession, error) {
	kb, err := a.ownedKnowledgeBase(ctx, user, knowledgeBaseID)
	if err != nil {
		return nil, err
	}
	sessions, err := a.store.ListChatSessions(ctx, kb.ID, user.ID)
	if err != nil {
		return nil, failed("Failed to fetch chat sessions", err)
	}
	return sessions, nil
}

// ListChatMessages returns a session's messages in order.
func (a *App) ListChatMessages(ctx context.Context, user domain.User, sessionID string) ([]domain.ChatMessage, error) {
	if !util.IsRecordID(sessionID) {
		return nil, errSessionNotFound
	}
	session, ok, err := a.store.GetChatSession(ctx, sessionID, user.ID)
	if err != nil {
		return nil, failed("Failed to fetch chat session", err)
	}
	if !ok {
		return nil, errSessionNotFound
	}
	msgs, err := a.store.ListChatMessages(ctx, session.ID, 0)
	if err != nil {
		return nil, failed("Failed to fetch chat messages", err)
	}
	return msgs, nil
}

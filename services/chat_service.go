package services

import (
	"chatrelay/models"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// ErrEmptyMessage rejects blank user input before anything is stored.
var ErrEmptyMessage = errors.New("message cannot be empty")

// Fallback replies shown instead of a failed remote call.
const (
	FallbackAPIError        = "An API error occurred. Please try again."
	FallbackUnexpectedError = "An unexpected error occurred. Please try again later."
)

// FallbackText picks the fixed reply for a failed remote call.
func FallbackText(kind RemoteKind) string {
	if kind == RemoteAPI {
		return FallbackAPIError
	}
	return FallbackUnexpectedError
}

// Result is the outcome of one exchange: either Reply is set, or Err
// describes why the remote model gave no reply.
type Result struct {
	Reply string
	Err   *RemoteError
}

type ChatOptions struct {
	// SystemPrompt is prepended to every request; empty means none.
	SystemPrompt string
	// PairFactor multiplies the caller's history limit into a turn count,
	// since a user/assistant exchange is normally two turns.
	PairFactor int
	// Timeout bounds a single remote call.
	Timeout time.Duration
}

type ChatService struct {
	store     TurnStore
	completer Completer
	opts      ChatOptions
}

func NewChatService(store TurnStore, completer Completer, opts ChatOptions) *ChatService {
	if opts.PairFactor <= 0 {
		opts.PairFactor = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &ChatService{store: store, completer: completer, opts: opts}
}

// Converse records userMessage, asks the remote model with up to
// historyLimit*PairFactor prior turns, and records the reply.
//
// The returned error is non-nil only when the input is blank (ErrEmptyMessage)
// or the user's turn could not be stored (*PersistenceError). Remote failures
// are reported through Result.Err and leave no assistant turn behind.
func (s *ChatService) Converse(ctx context.Context, conversationID, userMessage string, useHistory bool, historyLimit int) (Result, error) {
	if strings.TrimSpace(userMessage) == "" {
		return Result{}, ErrEmptyMessage
	}

	userTurn, err := s.store.Append(ctx, conversationID, models.RoleUser, userMessage)
	if err != nil {
		log.Printf("Error saving user message: %v", err)
		return Result{}, err
	}

	var history []models.Turn
	if useHistory {
		history = s.history(ctx, conversationID, userTurn.ID, historyLimit*s.opts.PairFactor)
	}

	messages := BuildMessages(s.opts.SystemPrompt, history, userMessage)
	log.Printf("Sending request with %d messages (%d from history)", len(messages), len(history))

	callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	reply, err := s.complete(callCtx, messages)
	if err != nil {
		re := ClassifyRemoteError(err)
		log.Printf("Error calling LLM (%s): %v", re.Kind, re.Err)
		return Result{Err: re}, nil
	}

	if _, err := s.store.Append(ctx, conversationID, models.RoleAssistant, reply); err != nil {
		log.Printf("Error saving assistant reply: %v", err)
	}
	return Result{Reply: reply}, nil
}

// history returns up to window turns stored before the turn with id before,
// oldest first. A failed read degrades to no history.
func (s *ChatService) history(ctx context.Context, conversationID string, before int64, window int) []models.Turn {
	if window <= 0 {
		return nil
	}
	// One extra row covers the user turn that was just stored.
	turns, err := s.store.RecentTurns(ctx, conversationID, window+1)
	if err != nil {
		log.Printf("Error reading history, continuing without it: %v", err)
		return nil
	}

	prior := make([]models.Turn, 0, len(turns))
	for _, t := range turns {
		if t.ID < before {
			prior = append(prior, t)
		}
	}
	if len(prior) > window {
		prior = prior[len(prior)-window:]
	}
	return prior
}

func (s *ChatService) complete(ctx context.Context, messages []models.Message) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RemoteError{Kind: RemoteUnexpected, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return s.completer.Complete(ctx, messages)
}

// BuildMessages lays out a request: the system prompt if any, the history in
// chronological order without system turns, then the new user message.
func BuildMessages(systemPrompt string, history []models.Turn, userMessage string) []models.Message {
	messages := make([]models.Message, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, models.Message{Role: models.RoleSystem, Content: systemPrompt})
	}
	for _, t := range history {
		if t.Role == models.RoleSystem {
			continue
		}
		messages = append(messages, models.Message{Role: t.Role, Content: t.Content})
	}
	return append(messages, models.Message{Role: models.RoleUser, Content: userMessage})
}

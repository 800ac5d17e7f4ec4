package domain

import (
	"chat-sync/errors"
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type SendMessageCommand struct {
	ConversationID ConversationID `validate:"required"`
	SenderID       UserID         `validate:"required"`
	Text           string
	// IdempotencyKey makes a retried send safe against duplicates.
	IdempotencyKey string `validate:"omitempty,max=128"`
}

type MarkReadCommand struct {
	ConversationID ConversationID `validate:"required"`
	MessageID      MessageID      `validate:"required"`
	ReaderID       UserID         `validate:"required"`
}

type SetTypingCommand struct {
	ConversationID ConversationID `validate:"required"`
	UserID         UserID         `validate:"required"`
	IsTyping       bool
}

type FindOrCreateCommand struct {
	UserID      UserID `validate:"required"`
	OtherUserID UserID `validate:"required"`
}

// ListMessagesQuery reads forward from Since. Backward reads the history
// page ending right before Before, the newest page when Before is nil.
type ListMessagesQuery struct {
	ConversationID ConversationID `validate:"required"`
	ViewerID       UserID         `validate:"required"`
	Since          MessageID
	Backward       bool
	Before         *MessageID
	Limit          int `validate:"gte=0"`
}

// MessagePage is one page of a conversation. NextBefore is the cursor of
// the older page, nil once the beginning is reached.
type MessagePage struct {
	Messages   []Message  `json:"messages"`
	NextBefore *MessageID `json:"next_before,omitempty"`
}

// Validate checks the command shape and returns the normalized text.
func (c SendMessageCommand) Validate(maxLength int) (string, error) {
	if err := validateStruct(c); err != nil {
		return "", err
	}
	text := NormalizeText(c.Text)
	if text == "" {
		return "", errors.ErrEmptyText
	}
	if maxLength > 0 && utf8.RuneCountInString(text) > maxLength {
		return "", fmt.Errorf("%w: %d characters max", errors.ErrTextTooLong, maxLength)
	}
	return text, nil
}

func (c MarkReadCommand) Validate() error {
	return validateStruct(c)
}

func (c SetTypingCommand) Validate() error {
	return validateStruct(c)
}

func (c FindOrCreateCommand) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}
	if c.UserID == c.OtherUserID {
		return errors.ErrSelfConversation
	}
	return nil
}

func (q ListMessagesQuery) Validate() error {
	return validateStruct(q)
}

func validateStruct(s any) error {
	if err := validate.Struct(s); err != nil {
		return errors.Validation("%v", err)
	}
	return nil
}

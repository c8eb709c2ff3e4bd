package validator

import (
	"strings"
	"unicode/utf8"

	"github.com/StephTapera/amenchat/pkg/constant"
	"github.com/StephTapera/amenchat/pkg/errcode"
)

// Validator rejects malformed input before any I/O happens.
// All methods are pure and synchronous.
type Validator struct {
	maxTextLen         int
	maxAttachments     int
	maxAttachmentBytes int
	maxNameLen         int
}

// Option configures a Validator
type Option func(*Validator)

// WithMaxTextLen overrides the maximum text length in runes
func WithMaxTextLen(n int) Option {
	return func(v *Validator) { v.maxTextLen = n }
}

// WithMaxAttachments overrides the maximum attachment count
func WithMaxAttachments(n int) Option {
	return func(v *Validator) { v.maxAttachments = n }
}

// WithMaxAttachmentBytes overrides the pre-compression size bound per attachment
func WithMaxAttachmentBytes(n int) Option {
	return func(v *Validator) { v.maxAttachmentBytes = n }
}

// WithMaxNameLen overrides the maximum conversation name length in runes
func WithMaxNameLen(n int) Option {
	return func(v *Validator) { v.maxNameLen = n }
}

// New creates a Validator with the default limits
func New(opts ...Option) *Validator {
	v := &Validator{
		maxTextLen:         constant.MaxTextLength,
		maxAttachments:     constant.MaxAttachments,
		maxAttachmentBytes: constant.MaxAttachmentBytes,
		maxNameLen:         constant.MaxConversationNameLen,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks message text. All-whitespace text is rejected unless the
// message carries attachments.
func (v *Validator) Validate(text string, attachmentCount int) error {
	if strings.TrimSpace(text) == "" && attachmentCount == 0 {
		return errcode.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > v.maxTextLen {
		return errcode.ErrTooLong
	}
	return nil
}

// ValidateAttachments checks attachment count and per-attachment size bounds
func (v *Validator) ValidateAttachments(images [][]byte) error {
	if len(images) > v.maxAttachments {
		return errcode.ErrTooManyAttachments
	}
	for _, img := range images {
		if len(img) > v.maxAttachmentBytes {
			return errcode.ErrAttachmentTooLarge
		}
	}
	return nil
}

// ValidateConversationName checks a group conversation name
func (v *Validator) ValidateConversationName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errcode.ErrInvalidName
	}
	if utf8.RuneCountInString(trimmed) > v.maxNameLen {
		return errcode.ErrInvalidName
	}
	return nil
}

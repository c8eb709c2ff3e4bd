package validator

import (
	"strings"
	"testing"

	"github.com/StephTapera/amenchat/pkg/errcode"
	"github.com/stretchr/testify/require"
)

func TestValidateEmptyMessage(t *testing.T) {
	v := New()

	require.True(t, errcode.Is(v.Validate("", 0), errcode.ErrEmptyMessage))
	require.True(t, errcode.Is(v.Validate("   \n\t ", 0), errcode.ErrEmptyMessage))

	// Attachment-only messages are legal.
	require.NoError(t, v.Validate("", 1))
	require.NoError(t, v.Validate("   ", 2))
}

func TestValidateTextLength(t *testing.T) {
	v := New(WithMaxTextLen(5))

	require.NoError(t, v.Validate("hello", 0))
	require.True(t, errcode.Is(v.Validate("hello!", 0), errcode.ErrTooLong))

	// Length is counted in runes, not bytes.
	require.NoError(t, v.Validate("héllo", 0))
	require.NoError(t, v.Validate("日本語です", 0))
	require.True(t, errcode.Is(v.Validate("日本語です。", 0), errcode.ErrTooLong))
}

func TestValidateAttachments(t *testing.T) {
	v := New(WithMaxAttachments(2), WithMaxAttachmentBytes(10))

	require.NoError(t, v.ValidateAttachments(nil))
	require.NoError(t, v.ValidateAttachments([][]byte{make([]byte, 10)}))

	err := v.ValidateAttachments([][]byte{{1}, {2}, {3}})
	require.True(t, errcode.Is(err, errcode.ErrTooManyAttachments))

	err = v.ValidateAttachments([][]byte{make([]byte, 11)})
	require.True(t, errcode.Is(err, errcode.ErrAttachmentTooLarge))
}

func TestValidateConversationName(t *testing.T) {
	v := New(WithMaxNameLen(10))

	require.NoError(t, v.ValidateConversationName("team chat"))
	require.True(t, errcode.Is(v.ValidateConversationName(""), errcode.ErrInvalidName))
	require.True(t, errcode.Is(v.ValidateConversationName("  \t "), errcode.ErrInvalidName))
	require.True(t, errcode.Is(v.ValidateConversationName(strings.Repeat("a", 11)), errcode.ErrInvalidName))
}

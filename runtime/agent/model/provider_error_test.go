package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status    int
		kind      ProviderErrorKind
		retryable bool
	}{
		{401, ProviderErrorKindAuth, false},
		{403, ProviderErrorKindAuth, false},
		{429, ProviderErrorKindRateLimited, true},
		{500, ProviderErrorKindUnavailable, true},
		{503, ProviderErrorKindUnavailable, true},
		{400, ProviderErrorKindInvalidRequest, false},
		{0, ProviderErrorKindUnknown, false},
	}
	for _, c := range cases {
		kind, retryable := ClassifyHTTPStatus(c.status)
		assert.Equal(t, c.kind, kind, "status %d", c.status)
		assert.Equal(t, c.retryable, retryable, "status %d", c.status)
	}
}

func TestProviderErrorMatchesRateLimited(t *testing.T) {
	cause := errors.New("slow down")
	err := fmt.Errorf("complete: %w", NewProviderError("openai", "chat.completions", 429, "rate_limit", "", cause))

	require.ErrorIs(t, err, ErrRateLimited)
	require.ErrorIs(t, err, cause)
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.True(t, pe.Retryable)
	assert.Equal(t, "openai rate_limited 429 (chat.completions): rate_limit: slow down", pe.Error())

	other := NewProviderError("openai", "", 400, "", "bad schema", nil)
	assert.NotErrorIs(t, other, ErrRateLimited)
	assert.Equal(t, "openai invalid_request 400 (request): bad schema", other.Error())
}

func TestImagePartDataURL(t *testing.T) {
	p := ImagePart{Format: ImageFormatJPEG, Bytes: []byte{0xff, 0xd8, 0xff}}
	assert.Equal(t, "data:image/jpeg;base64,/9j/", p.DataURL())
	assert.Equal(t, p.DataURL(), p.DataURL())
	assert.Equal(t, "image/png", ImageFormat("").MIMEType())
}

func TestMessageText(t *testing.T) {
	m := &Message{Role: ConversationRoleAssistant, Parts: []Part{
		TextPart{Text: "a"},
		ToolUsePart{ID: "1", Name: "search"},
		TextPart{Text: "b"},
	}}
	assert.Equal(t, "ab", m.Text())
	var nilMsg *Message
	assert.Empty(t, nilMsg.Text())
	r := &Response{Content: []Message{*m, *NewTextMessage(ConversationRoleAssistant, "c")}}
	assert.Equal(t, "abc", r.Text())
}

package aichat

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslator(t *testing.T) {
	tr, err := NewTranslator()
	require.NoError(t, err)

	testCases := []struct {
		name      string
		locale    discordgo.Locale
		messageID string
		data      map[string]any
		expected  string
	}{
		{
			name:      "default locale",
			messageID: msgThinking,
			expected:  "Thinking...",
		},
		{
			name:      "template data",
			locale:    discordgo.EnglishUS,
			messageID: msgThrottledCommand,
			data:      map[string]any{"Seconds": 8},
			expected:  ":warning: You must wait 8 seconds before you can use this command!",
		},
		{
			name:      "japanese",
			locale:    discordgo.Japanese,
			messageID: msgPromptField,
			expected:  "プロンプト",
		},
		{
			name:      "japanese template",
			locale:    discordgo.Japanese,
			messageID: msgPromptTooLong,
			data:      map[string]any{"MaxLength": 512},
			expected:  ":warning: プロンプトは512文字以内にしてください。",
		},
		{
			name:      "unsupported locale falls back to english",
			locale:    discordgo.French,
			messageID: msgBusy,
			expected:  "I'm still working on the last message!",
		},
		{
			name:      "unknown message",
			messageID: "not_a_message",
			expected:  "not_a_message",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, tr.Localizer(tc.locale).Get(tc.messageID, tc.data))
			},
		)
	}
}

func TestTranslator_Languages(t *testing.T) {
	tr, err := NewTranslator()
	require.NoError(t, err)

	var langs []string
	for _, tag := range tr.Languages() {
		langs = append(langs, tag.String())
	}
	assert.ElementsMatch(t, []string{"en", "ja"}, langs)
}

func TestLocalizer_Nil(t *testing.T) {
	var l *Localizer
	assert.Equal(t, msgThinking, l.Get(msgThinking, nil))
}

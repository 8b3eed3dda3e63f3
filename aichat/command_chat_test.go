package aichat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChatInteraction(prompt string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-1",
			AppID:     testAppID,
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   testGuildID,
			ChannelID: "channel-1",
			Locale:    discordgo.EnglishUS,
			Token:     "interaction-token",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: testUserID, Username: "lelouch"},
				Nick: "Zero",
			},
			Data: discordgo.ApplicationCommandInteractionData{
				ID:   "cmd-chat",
				Name: DiscordSlashCommandChat,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  chatCommandPromptOption,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: prompt,
					},
				},
			},
		},
	}
}

func (b *testBot) runChat(t testing.TB, i *discordgo.InteractionCreate) {
	t.Helper()
	b.handleInteraction(
		context.Background(),
		newGatewayHandler(b.session, i, testLogger(t)),
	)
}

func TestChatCommand_Success(t *testing.T) {
	bot := newTestAIChat(t)
	db := bot.withTestDB(t)

	bot.runChat(t, newChatInteraction("  who are you?  "))

	responses := bot.session.Responses()
	require.Len(t, responses, 1)
	pending := responses[0]
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, pending.Type)
	require.Len(t, pending.Data.Embeds, 1)
	assert.Equal(t, "Thinking...", pending.Data.Embeds[0].Description)
	assert.Zero(t, pending.Data.Flags&discordgo.MessageFlagsEphemeral)

	edits := bot.session.Edits()
	require.Len(t, edits, 1)
	require.NotNil(t, edits[0].Embeds)
	embeds := *edits[0].Embeds
	require.Len(t, embeds, 1)
	embed := embeds[0]
	assert.Equal(t, "```\nhello there\n```", embed.Description)
	assert.Equal(t, DefaultPersonaEmbedTitle, embed.Title)
	assert.Equal(t, DefaultPersonaEmbedColor, embed.Color)
	require.Len(t, embed.Fields, 1)
	assert.Equal(t, "Prompt", embed.Fields[0].Name)
	assert.Equal(t, "who are you?", embed.Fields[0].Value)

	calls := bot.gateway.Calls()
	require.Len(t, calls, 1)
	last := calls[0].Messages[len(calls[0].Messages)-1]
	assert.Equal(t, ChatMessage{Role: ChatRoleUser, Name: "Zero", Content: "who are you?"}, last)
	assert.Equal(t, testUserID, calls[0].CallerID)

	// guild-scoped cooldown under the default key policy
	state, err := bot.store.Check(context.Background(), cooldownKey(EntryPointCommand, testGuildID))
	require.NoError(t, err)
	assert.True(t, state.Active)
	assert.Equal(t, DefaultCommandCooldown, state.Remaining)

	var logs []InteractionLog
	require.NoError(t, db.DB().Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "interaction-1", logs[0].InteractionID)
	assert.Equal(t, testUserID, logs[0].UserID)
	assert.Equal(t, interactionReceiveMethodGateway, logs[0].Method)
}

func TestChatCommand_Throttled(t *testing.T) {
	bot := newTestAIChat(t)
	bot.runChat(t, newChatInteraction("first"))
	require.Len(t, bot.gateway.Calls(), 1)

	bot.clock.Advance(2500 * time.Millisecond)
	bot.runChat(t, newChatInteraction("second"))

	assert.Len(t, bot.gateway.Calls(), 1)
	responses := bot.session.Responses()
	require.Len(t, responses, 2)
	throttled := responses[1]
	assert.NotZero(t, throttled.Data.Flags&discordgo.MessageFlagsEphemeral)
	require.Len(t, throttled.Data.Embeds, 1)
	assert.Equal(
		t,
		":warning: You must wait 8 seconds before you can use this command!",
		throttled.Data.Embeds[0].Description,
	)
}

func TestChatCommand_UserKeyPolicy(t *testing.T) {
	bot := newTestAIChat(t)
	bot.config.Cooldown.KeyPolicy = CooldownKeyUser
	bot.runChat(t, newChatInteraction("first"))

	other := newChatInteraction("second")
	other.Member.User = &discordgo.User{ID: "user-2", Username: "suzaku"}
	bot.runChat(t, other)

	assert.Len(t, bot.gateway.Calls(), 2)
}

func TestChatCommand_InvalidPrompt(t *testing.T) {
	testCases := []struct {
		name     string
		prompt   string
		expected string
	}{
		{
			name:     "empty",
			prompt:   "   ",
			expected: ":warning: Please give me something to respond to!",
		},
		{
			name:     "too long",
			prompt:   strings.Repeat("あ", DefaultMaxPromptLength+1),
			expected: ":warning: Your prompt can be at most 512 characters long.",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				bot := newTestAIChat(t)
				bot.runChat(t, newChatInteraction(tc.prompt))

				assert.Empty(t, bot.gateway.Calls())
				responses := bot.session.Responses()
				require.Len(t, responses, 1)
				assert.Equal(t, tc.expected, responses[0].Data.Content)
				assert.NotZero(t, responses[0].Data.Flags&discordgo.MessageFlagsEphemeral)
				assert.Equal(t, 0, bot.store.(*MemoryCooldownStore).Len())
			},
		)
	}
}

func TestChatCommand_ProviderError(t *testing.T) {
	bot := newTestAIChat(t)
	bot.gateway.fail(errors.New("model overloaded"))

	bot.runChat(t, newChatInteraction("hello"))

	edits := bot.session.Edits()
	require.Len(t, edits, 1)
	assert.Equal(
		t,
		":warning: Something went wrong while generating a response. Please try again later.",
		(*edits[0].Embeds)[0].Description,
	)
	assert.Equal(t, 0, bot.store.(*MemoryCooldownStore).Len())
}

func TestChatCommand_Localized(t *testing.T) {
	bot := newTestAIChat(t)
	i := newChatInteraction("こんにちは")
	i.Locale = discordgo.Japanese

	bot.runChat(t, i)

	responses := bot.session.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, "考え中...", responses[0].Data.Embeds[0].Description)
	edits := bot.session.Edits()
	require.Len(t, edits, 1)
	assert.Equal(t, "プロンプト", (*edits[0].Embeds)[0].Fields[0].Name)
}

func TestChatCommand_DirectMessage(t *testing.T) {
	bot := newTestAIChat(t)
	i := newChatInteraction("hi")
	i.GuildID = ""
	i.Member = nil
	i.User = &discordgo.User{ID: testUserID, Username: "lelouch", GlobalName: "Lelouch"}

	bot.runChat(t, i)

	calls := bot.gateway.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Lelouch", calls[0].Messages[len(calls[0].Messages)-1].Name)

	state, err := bot.store.Check(context.Background(), cooldownKey(EntryPointCommand, testUserID))
	require.NoError(t, err)
	assert.True(t, state.Active)
}

func TestChatCommand_IgnoresOtherInteractions(t *testing.T) {
	bot := newTestAIChat(t)

	i := newChatInteraction("hi")
	i.Type = discordgo.InteractionMessageComponent
	i.Data = discordgo.MessageComponentInteractionData{CustomID: "button"}
	bot.runChat(t, i)

	unknown := newChatInteraction("hi")
	unknown.Data = discordgo.ApplicationCommandInteractionData{Name: "private"}
	bot.runChat(t, unknown)

	assert.Empty(t, bot.gateway.Calls())
	assert.Empty(t, bot.session.Responses())
}

func TestCommandReplier_FailedBeforePending(t *testing.T) {
	bot := newTestAIChat(t)
	handler := newGatewayHandler(bot.session, newChatInteraction("hi"), testLogger(t))
	r := &commandReplier{
		handler:   handler,
		persona:   bot.persona,
		prompt:    "hi",
		localizer: bot.translator.Localizer(""),
	}

	require.NoError(t, r.Failed(context.Background()))
	responses := bot.session.Responses()
	require.Len(t, responses, 1)
	assert.NotZero(t, responses[0].Data.Flags&discordgo.MessageFlagsEphemeral)
	assert.Empty(t, bot.session.Edits())
}

func TestCommandReplier_BusyNotice(t *testing.T) {
	bot := newTestAIChat(t)
	handler := newGatewayHandler(bot.session, newChatInteraction("hi"), testLogger(t))
	r := &commandReplier{
		handler:   handler,
		persona:   bot.persona,
		localizer: bot.translator.Localizer(""),
	}

	require.NoError(t, r.Throttled(context.Background(), CooldownState{}, true))
	responses := bot.session.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, "I'm still working on the last message!", responses[0].Data.Embeds[0].Description)
}

func TestCommandReplier_LongPromptField(t *testing.T) {
	r := &commandReplier{prompt: strings.Repeat("x", 3000)}
	embed := r.embed("desc")
	require.Len(t, embed.Fields, 1)
	assert.Len(t, []rune(embed.Fields[0].Value), maxEmbedFieldValueLength)
	assert.True(t, strings.HasSuffix(embed.Fields[0].Value, "..."))
}

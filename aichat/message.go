package aichat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
)

// handlerMessageCreate answers messages that mention the bot.
func (a *AIChat) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil || m.Message == nil {
			return
		}
		a.eventWG.Add(1)
		defer a.eventWG.Done()
		a.handleMessage(ctx, m.Message)
	}
}

func (a *AIChat) handleMessage(ctx context.Context, m *discordgo.Message) {
	logger := a.discord.logger.With(messageLogAttrs(m)...)
	ctx = WithLogger(ctx, logger)

	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	botID := a.discord.botUserID()
	prompt, ok := mentionPrompt(m, botID, a.config.Completion.MaxPromptLength)
	if !ok {
		return
	}
	logger.InfoContext(ctx, "received mention")
	writeAsync(ctx, wg, a.db, logger, newDiscordMessage(m))

	replier := &mentionReplier{
		session:   a.discord.session,
		message:   m,
		localizer: a.translator.Localizer(""),
		logger:    logger,
	}
	a.pipeline.Run(
		ctx,
		PipelineRequest{
			EntryPoint: EntryPointMention,
			Key: cooldownKey(
				EntryPointMention,
				a.config.Cooldown.KeyPolicy.Key(m.GuildID, m.Author.ID),
			),
			CallerID:   m.Author.ID,
			CallerName: displayName(m.Author, m.Member),
			Prompt:     prompt,
			History:    a.referenceHistory(ctx, m, botID),
			Cooldown:   a.config.Cooldown.Mention,
			Format:     FormatOptions{MaxLength: a.config.Completion.MaxReplyLength},
		},
		replier,
	)
}

// mentionPrompt returns the prompt carried by a message mentioning the
// bot. ok is false if the message shouldn't be answered at all.
func mentionPrompt(m *discordgo.Message, botID string, maxLength int) (prompt string, ok bool) {
	switch {
	case m.Author == nil || m.Author.Bot:
		return "", false
	case m.MentionEveryone:
		return "", false
	case !messageMentionsUser(m, botID):
		return "", false
	case utf8.RuneCountInString(m.Content) > maxLength:
		return "", false
	}

	content := strings.NewReplacer(
		"<@"+botID+">", "",
		"<@!"+botID+">", "",
	).Replace(m.Content)

	// mentions of anyone else are kept, as names
	stripped := *m
	stripped.Content = content
	prompt = strings.TrimSpace(stripped.ContentWithMentionsReplaced())
	return prompt, prompt != ""
}

// referenceHistory returns the message m replies to as a single assistant
// turn, if that message was sent by the bot.
func (a *AIChat) referenceHistory(
	ctx context.Context,
	m *discordgo.Message,
	botID string,
) []ChatMessage {
	if m.MessageReference == nil && m.ReferencedMessage == nil {
		return nil
	}
	logger, _ := ContextLogger(ctx)

	ref := m.ReferencedMessage
	if ref == nil {
		var err error
		ref, err = a.fetchReference(m)
		if err != nil {
			logger.WarnContext(ctx, "error fetching referenced message", tint.Err(err))
			return nil
		}
	}
	if ref == nil || ref.Author == nil || ref.Author.ID != botID {
		return nil
	}
	return assistantHistory(referenceContent(ref))
}

// fetchReference fetches the message m replies to, caching the result.
func (a *AIChat) fetchReference(m *discordgo.Message) (*discordgo.Message, error) {
	channelID := m.MessageReference.ChannelID
	if channelID == "" {
		channelID = m.ChannelID
	}
	key := fmt.Sprintf("%s:%s", channelID, m.MessageReference.MessageID)

	if cached, found := a.referenceCache.Get(key); found {
		if msg, ok := cached.(*discordgo.Message); ok {
			return msg, nil
		}
	}
	msg, err := a.discord.session.ChannelMessage(channelID, m.MessageReference.MessageID)
	if err != nil {
		return nil, err
	}
	a.referenceCache.Set(key, msg, cache.DefaultExpiration)
	return msg, nil
}

// referenceContent is the visible text of one of the bot's messages: the
// content of a mention reply, or the response in a /chat embed.
func referenceContent(m *discordgo.Message) string {
	if strings.TrimSpace(m.Content) != "" {
		return m.Content
	}
	for _, e := range m.Embeds {
		if e == nil || e.Description == "" {
			continue
		}
		text := strings.TrimPrefix(e.Description, codeBlockOpen)
		text = strings.TrimSuffix(text, codeBlockClose)
		return text
	}
	return ""
}

// mentionReplier answers a mention with a plain reply to the triggering
// message.
type mentionReplier struct {
	session   DiscordSessionHandler
	message   *discordgo.Message
	localizer *Localizer
	logger    *slog.Logger
}

func (r *mentionReplier) Throttled(ctx context.Context, state CooldownState, busy bool) error {
	content := r.localizer.Get(msgBusy, nil)
	if !busy {
		content = r.localizer.Get(
			msgThrottledMention,
			map[string]any{"RetryAt": fmt.Sprintf("<t:%d:R>", state.ExpiresAt.Unix())},
		)
	}
	return r.reply(ctx, content)
}

// Pending shows the typing indicator. Not being able to is no reason to
// abandon the run.
func (r *mentionReplier) Pending(ctx context.Context) error {
	if err := r.session.ChannelTyping(r.message.ChannelID); err != nil {
		r.logger.WarnContext(ctx, "error sending typing indicator", tint.Err(err))
	}
	return nil
}

func (r *mentionReplier) Failed(ctx context.Context) error {
	return r.reply(ctx, r.localizer.Get(msgProviderError, nil))
}

func (r *mentionReplier) Deliver(ctx context.Context, text string) error {
	return r.reply(ctx, text)
}

func (r *mentionReplier) reply(ctx context.Context, content string) error {
	_, err := r.session.ChannelMessageSendReply(
		r.message.ChannelID,
		content,
		r.message.Reference(),
	)
	if err == nil {
		r.logger.DebugContext(ctx, "sent reply")
	}
	return err
}

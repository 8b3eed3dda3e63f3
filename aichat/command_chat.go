package aichat

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandChat = "chat"
	chatCommandPromptOption = "prompt"

	chatCommandDescription       = "Chat with the bot"
	chatCommandPromptDescription = "What do you want to say?"
)

// appCommandChat creates the ApplicationCommand for /chat.
func appCommandChat(maxPromptLength int) *discordgo.ApplicationCommand {
	minLength := 1
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
		discordgo.InteractionContextPrivateChannel,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationUserInstall,
		discordgo.ApplicationIntegrationGuildInstall,
	}

	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandChat,
		Description:      chatCommandDescription,
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         &contexts,
		IntegrationTypes: &integrationTypes,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        chatCommandPromptOption,
				Description: chatCommandPromptDescription,
				Required:    true,
				MinLength:   &minLength,
				MaxLength:   maxPromptLength,
			},
		},
	}
}

// handleInteraction is the common entry for interactions received over
// both the gateway and the webhook server.
func (a *AIChat) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger().With(interactionLogAttrs(*i)...)
	ctx = WithLogger(ctx, logger)

	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	u := interactionUser(i)
	writeAsync(
		ctx,
		wg,
		a.db,
		logger,
		newInteractionLog(i, u, handler.InteractionReceiveMethod()),
	)

	if i.Type != discordgo.InteractionApplicationCommand {
		logger.WarnContext(ctx, "ignoring unsupported interaction type")
		return
	}
	if u == nil {
		logger.WarnContext(ctx, "interaction has no user")
		return
	}

	data := i.ApplicationCommandData()
	switch data.Name {
	case DiscordSlashCommandChat:
		a.handleChatCommand(ctx, handler, u)
	default:
		logger.WarnContext(ctx, "unknown command", "command", data.Name)
	}
}

// handleChatCommand validates the /chat prompt and runs it through the
// pipeline, replying via the interaction.
func (a *AIChat) handleChatCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) {
	i := handler.GetInteraction()
	logger, _ := ContextLogger(ctx)
	localizer := a.translator.Localizer(i.Locale)

	var prompt string
	if opt, ok := discordInteractionOptions(i)[chatCommandPromptOption]; ok {
		prompt = strings.TrimSpace(opt.StringValue())
	}

	maxPromptLength := a.config.Completion.MaxPromptLength
	switch {
	case prompt == "":
		logger.InfoContext(ctx, "empty prompt")
		respondEphemeral(ctx, handler, localizer.Get(msgNoPrompt, nil))
		return
	case utf8.RuneCountInString(prompt) > maxPromptLength:
		logger.InfoContext(ctx, "prompt too long", "length", utf8.RuneCountInString(prompt))
		respondEphemeral(
			ctx,
			handler,
			localizer.Get(msgPromptTooLong, map[string]any{"MaxLength": maxPromptLength}),
		)
		return
	}

	replier := &commandReplier{
		handler:   handler,
		persona:   a.persona,
		prompt:    prompt,
		localizer: localizer,
	}
	a.pipeline.Run(
		ctx,
		PipelineRequest{
			EntryPoint: EntryPointCommand,
			Key: cooldownKey(
				EntryPointCommand,
				a.config.Cooldown.KeyPolicy.Key(i.GuildID, u.ID),
			),
			CallerID:   u.ID,
			CallerName: displayName(u, i.Member),
			Prompt:     prompt,
			Cooldown:   a.config.Cooldown.Command,
			Format: FormatOptions{
				MaxLength: a.config.Completion.MaxResponseLength,
				CodeBlock: true,
			},
		},
		replier,
	)
}

func respondEphemeral(ctx context.Context, handler InteractionHandler, content string) {
	err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		handler.Logger().ErrorContext(ctx, "error sending ephemeral response", tint.Err(err))
	}
}

// commandReplier answers a /chat interaction with a placeholder embed,
// which is then edited with the response.
type commandReplier struct {
	handler   InteractionHandler
	persona   Persona
	prompt    string
	localizer *Localizer

	// responded is set once the initial response has been sent
	responded bool
}

func (r *commandReplier) Throttled(ctx context.Context, state CooldownState, busy bool) error {
	content := r.localizer.Get(msgBusy, nil)
	if !busy {
		content = r.localizer.Get(
			msgThrottledCommand,
			map[string]any{"Seconds": state.RemainingSeconds()},
		)
	}
	return r.handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{
					{
						Description: content,
						Color:       r.persona.EmbedColor,
					},
				},
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

func (r *commandReplier) Pending(ctx context.Context) error {
	err := r.handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{
					r.embed(r.localizer.Get(msgThinking, nil)),
				},
			},
		},
	)
	if err == nil {
		r.responded = true
	}
	return err
}

func (r *commandReplier) Failed(ctx context.Context) error {
	content := r.localizer.Get(msgProviderError, nil)
	if !r.responded {
		respondEphemeral(ctx, r.handler, content)
		return nil
	}
	return r.edit(ctx, content)
}

func (r *commandReplier) Deliver(ctx context.Context, text string) error {
	return r.edit(ctx, text)
}

func (r *commandReplier) edit(ctx context.Context, description string) error {
	_, err := r.handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Embeds: &[]*discordgo.MessageEmbed{r.embed(description)},
		},
	)
	return err
}

// embed renders the persona's response embed, echoing the prompt.
func (r *commandReplier) embed(description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       r.persona.EmbedTitle,
		Description: description,
		Color:       r.persona.EmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  r.localizer.Get(msgPromptField, nil),
				Value: truncateDisplay(r.prompt, maxEmbedFieldValueLength),
			},
		},
	}
}

// Discord rejects embed field values longer than this
const maxEmbedFieldValueLength = 1024

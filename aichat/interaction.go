package aichat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// InteractionReceiveMethod is how an interaction reached the bot.
type InteractionReceiveMethod string

const (
	interactionReceiveMethodGateway InteractionReceiveMethod = "gateway"
	interactionReceiveMethodWebhook InteractionReceiveMethod = "webhook"
)

// ErrAlreadyResponded is returned when an interaction that was received
// over HTTP is responded to more than once.
var ErrAlreadyResponded = errors.New("interaction already responded to")

// InteractionHandler sends the initial response to an interaction and
// edits it afterward. Commands don't need to know whether the interaction
// arrived over the gateway or the webhook server.
type InteractionHandler interface {
	// Respond sends the initial response to the interaction.
	Respond(ctx context.Context, response *discordgo.InteractionResponse) error

	// Edit modifies the initial response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	GetInteraction() *discordgo.InteractionCreate

	InteractionReceiveMethod() InteractionReceiveMethod

	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func newGatewayHandler(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
) GatewayHandler {
	return GatewayHandler{
		session:     session,
		interaction: i,
		logger:      logger.With("interaction_id", i.ID),
	}
}

func (GatewayHandler) InteractionReceiveMethod() InteractionReceiveMethod {
	return interactionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(w.interaction.Interaction, wh, opts...)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// WebhookHandler implements [InteractionHandler] for interactions received
// by the webhook server. The initial response is the HTTP response body,
// so Respond hands it off to the waiting request handler, and later edits
// go through the session like they would for the gateway.
type WebhookHandler struct {
	GatewayHandler

	once      *sync.Once
	responses chan *discordgo.InteractionResponse
}

func newWebhookHandler(gateway GatewayHandler) WebhookHandler {
	return WebhookHandler{
		GatewayHandler: gateway,
		once:           &sync.Once{},
		responses:      make(chan *discordgo.InteractionResponse, 1),
	}
}

func (WebhookHandler) InteractionReceiveMethod() InteractionReceiveMethod {
	return interactionReceiveMethodWebhook
}

// Respond passes the response to the HTTP request handler. Only the first
// call is delivered; later calls return ErrAlreadyResponded.
func (w WebhookHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	sent := false
	w.once.Do(
		func() {
			w.responses <- response
			close(w.responses)
			sent = true
		},
	)
	if !sent {
		w.logger.WarnContext(ctx, "interaction already responded to")
		return ErrAlreadyResponded
	}
	return nil
}

// Response returns the channel the initial response is sent on. It's
// closed after the first response.
func (w WebhookHandler) Response() <-chan *discordgo.InteractionResponse {
	return w.responses
}

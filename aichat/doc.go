// Package aichat implements a Discord bot that relays user prompts to a
// hosted language model and replies in character as a configurable persona.
//
// Requests arrive two ways:
//
//   - /chat: a slash command, received over the gateway or the webhook
//     server. The response is rendered into an embed.
//   - Mentions: a message that @mentions the bot. The response is sent as
//     a plain reply, and a reply to one of the bot's own messages carries
//     that message as context.
//
// Both entry points hand off to the same request Pipeline, which checks
// the caller's cooldown, assembles the prompt, calls the completion
// provider once, formats the output, arms the cooldown and delivers the
// reply.
//
// Key components of the package include:
//
//   - AIChat: owns the Discord session, the pipeline and the HTTP servers.
//   - CooldownStore: per-caller throttling, in memory or in Redis.
//   - CompletionGateway: the OpenAI and Gemini providers.
//   - API: health, metrics, and cooldown and audit inspection.
//   - Database: the audit log of interactions, mentions and provider calls.
package aichat

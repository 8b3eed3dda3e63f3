package aichat

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"

	"github.com/bwmarrin/discordgo"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Message IDs, see locales/*.json
const (
	msgThrottledCommand = "throttled_command"
	msgThrottledMention = "throttled_mention"
	msgBusy             = "busy"
	msgProviderError    = "provider_error"
	msgThinking         = "thinking"
	msgPromptField      = "prompt_field"
	msgNoPrompt         = "no_prompt"
	msgPromptTooLong    = "prompt_too_long"
)

//go:embed locales/*.json
var localeFS embed.FS

// Translator renders user-facing notices in the caller's locale, falling
// back to English.
type Translator struct {
	bundle *i18n.Bundle
}

func NewTranslator() (*Translator, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	files, err := fs.Glob(localeFS, "locales/*.json")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if _, err = bundle.LoadMessageFileFS(localeFS, f); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", f, err)
		}
	}
	return &Translator{bundle: bundle}, nil
}

// Languages lists the loaded locales.
func (t *Translator) Languages() []language.Tag {
	return t.bundle.LanguageTags()
}

// Localizer returns a localizer for a Discord locale such as "en-US" or
// "ja". An empty locale yields English.
func (t *Translator) Localizer(locale discordgo.Locale) *Localizer {
	langs := []string{language.English.String()}
	if locale != "" {
		langs = append([]string{string(locale)}, langs...)
	}
	return &Localizer{localizer: i18n.NewLocalizer(t.bundle, langs...)}
}

type Localizer struct {
	localizer *i18n.Localizer
}

// Get returns the localized message, or the message ID if it can't be
// rendered.
func (l *Localizer) Get(messageID string, data map[string]any) string {
	if l == nil || l.localizer == nil {
		return messageID
	}
	msg, err := l.localizer.Localize(
		&i18n.LocalizeConfig{
			MessageID:    messageID,
			TemplateData: data,
		},
	)
	if msg == "" && err != nil {
		return messageID
	}
	return msg
}

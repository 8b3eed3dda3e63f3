package aichat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPersonaName       = "C.C."
	DefaultPersonaEmbedTitle = "C.C."
	DefaultPersonaEmbedColor = 0x5B9141
	DefaultPersonaPrompt     = "You are the character C.C. from Code:Geass. " +
		"You must respond and act in a way like the character and always " +
		"refer to yourself in a first-person narrative. " +
		"You may mention the user by their name."
)

// Persona is the character the bot plays. SystemPrompt is sent as the
// first message of every completion request.
type Persona struct {
	Name         string `yaml:"name" json:"name"`
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`
	EmbedTitle   string `yaml:"embed_title" json:"embed_title"`
	EmbedColor   int    `yaml:"embed_color" json:"embed_color"`
}

// PersonaConfig is the persona as configured through the environment.
// If File is set, non-empty fields in the YAML file take precedence.
type PersonaConfig struct {
	Name         string `yaml:"name" mapstructure:"name" json:"name"`
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`
	EmbedTitle   string `yaml:"embed_title" mapstructure:"embed_title" json:"embed_title"`
	EmbedColor   int    `yaml:"embed_color" mapstructure:"embed_color" json:"embed_color" binding:"min=0,max=16777215"`
	File         string `yaml:"file" mapstructure:"file" json:"file" binding:"omitempty,file"`
}

func DefaultPersonaConfig() *PersonaConfig {
	return &PersonaConfig{
		Name:         DefaultPersonaName,
		SystemPrompt: DefaultPersonaPrompt,
		EmbedTitle:   DefaultPersonaEmbedTitle,
		EmbedColor:   DefaultPersonaEmbedColor,
	}
}

// LoadPersona resolves the configured persona, reading the override file
// if one is set. Empty fields fall back to the defaults.
func LoadPersona(cfg PersonaConfig) (Persona, error) {
	p := Persona{
		Name:         cfg.Name,
		SystemPrompt: cfg.SystemPrompt,
		EmbedTitle:   cfg.EmbedTitle,
		EmbedColor:   cfg.EmbedColor,
	}

	if cfg.File != "" {
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			return p, fmt.Errorf("error reading persona file: %w", err)
		}
		var override Persona
		if err = yaml.Unmarshal(data, &override); err != nil {
			return p, fmt.Errorf("error parsing persona file %q: %w", cfg.File, err)
		}
		p = p.merge(override)
	}

	return p.withDefaults(), nil
}

// merge returns p with every non-empty field of other applied.
func (p Persona) merge(other Persona) Persona {
	if other.Name != "" {
		p.Name = other.Name
	}
	if other.SystemPrompt != "" {
		p.SystemPrompt = other.SystemPrompt
	}
	if other.EmbedTitle != "" {
		p.EmbedTitle = other.EmbedTitle
	}
	if other.EmbedColor != 0 {
		p.EmbedColor = other.EmbedColor
	}
	return p
}

func (p Persona) withDefaults() Persona {
	if p.Name == "" {
		p.Name = DefaultPersonaName
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = DefaultPersonaPrompt
	}
	if p.EmbedTitle == "" {
		p.EmbedTitle = p.Name
	}
	return p
}

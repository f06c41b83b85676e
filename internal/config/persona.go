package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultGreeting = "Hello! I'm your AI language learning assistant. I'm here to help you practice speaking and improve your language skills. Feel free to start a conversation, ask questions about grammar, vocabulary, or pronunciation, or practice speaking about any topic you'd like to discuss."

const DefaultSystemPrompt = `You are a dedicated language learning assistant focused on helping users improve their language skills. Your responsibilities include:

1. Helping with grammar, vocabulary, and pronunciation
2. Engaging in natural conversations for practice
3. Providing gentle corrections when users make mistakes
4. Explaining language concepts clearly and concisely
5. Suggesting alternative phrases or expressions
6. Adapting to the user's proficiency level

Important boundaries:
- Stay focused on language learning and related topics
- Do not provide help with programming, coding, or technical questions
- Do not engage in tasks unrelated to language learning
- Keep responses natural, encouraging, and educational

If a user asks about topics unrelated to language learning, politely redirect them back to language practice.`

// Persona is the tutor's voice and character.
type Persona struct {
	SystemPrompt string `yaml:"system_prompt"`
	Greeting     string `yaml:"greeting"`
	// Language is the default practice language for new sessions.
	Language string `yaml:"language"`
	// VoiceID overrides the provider's default voice.
	VoiceID string `yaml:"voice_id"`
}

func DefaultPersona() Persona {
	return Persona{SystemPrompt: DefaultSystemPrompt, Greeting: DefaultGreeting}
}

// LoadPersona reads a YAML persona file. Missing fields keep their defaults.
func LoadPersona(path string) (Persona, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("PERSONA_FILE read error: %w", err)
	}
	p := DefaultPersona()
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Persona{}, fmt.Errorf("PERSONA_FILE parse error: %w", err)
	}
	p.SystemPrompt = strings.TrimSpace(p.SystemPrompt)
	p.Greeting = strings.TrimSpace(p.Greeting)
	p.Language = strings.TrimSpace(p.Language)
	p.VoiceID = strings.TrimSpace(p.VoiceID)
	if p.SystemPrompt == "" {
		return Persona{}, fmt.Errorf("PERSONA_FILE: system_prompt must not be empty")
	}
	return p, nil
}

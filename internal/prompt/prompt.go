// Package prompt assembles the companion's system prompt from identity
// and soul markdown files, with built-in fallbacks when either file is
// missing or empty.
package prompt

import (
	"os"
	"strings"
)

// DefaultIdentity is used when the identity file is missing or empty.
const DefaultIdentity = `# IDENTITY

- Name: VoicePi
- Creature: Desktop voice familiar
- Vibe: Sharp, concise, practical
- Avatar: assets/sprite.png
`

// DefaultSoul is used when the soul file is missing or empty.
const DefaultSoul = `# SOUL

## Core Truths
- Be useful first. Do not waste words.
- Speak directly and concretely; avoid vague filler.
- Have a point of view when the user needs a decision.
- Prefer action and clarity over theory.
- Respect user privacy and local context.

## Boundaries
- Never perform external actions or spend money without explicit user approval.
- Do not pretend to have done work you have not actually done.
- Do not reveal secrets, API keys, or private data.
- If uncertain, say what is unknown and how to verify it.

## Vibe
- Crisp, grounded, and practical.
- Friendly without flattery.
- Keep default answers short, expand only when asked.

## Continuity
- Keep a stable personality across turns.
- If you change major behavior, state it clearly.
`

// runtimeRules are always appended; they keep replies short enough to
// speak aloud.
const runtimeRules = `# VOICEPI_RUNTIME_RULES

- Always reply in English only.
- Keep responses concise and natural for voice chat.
- Usually answer in 1-2 short sentences.
- Avoid long explanations unless the user asks for detail.
`

// readNonEmpty returns the file's text, or "" when the file is missing,
// unreadable, or blank.
func readNonEmpty(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if strings.TrimSpace(string(b)) == "" {
		return ""
	}
	return string(b)
}

// LoadMarkdownOrFallback returns the file's content, or fallback when the
// file is missing or blank.
func LoadMarkdownOrFallback(path, fallback string) string {
	if text := readNonEmpty(path); text != "" {
		return text
	}
	return fallback
}

// BuildSystemPrompt assembles identity, soul, and the runtime rules into
// one system prompt. The returned warnings name each file that was
// replaced by its built-in fallback.
func BuildSystemPrompt(identityPath, soulPath string) (prompt string, warnings []string) {
	identity := readNonEmpty(identityPath)
	if identity == "" {
		identity = DefaultIdentity
		warnings = append(warnings,
			"using built-in IDENTITY fallback because file is missing or empty: "+identityPath)
	}

	soul := readNonEmpty(soulPath)
	if soul == "" {
		soul = DefaultSoul
		warnings = append(warnings,
			"using built-in SOUL fallback because file is missing or empty: "+soulPath)
	}

	parts := []string{
		strings.TrimSpace(identity),
		strings.TrimSpace(soul),
		strings.TrimSpace(runtimeRules),
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n")), warnings
}

package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
)

// StyleTemplate holds the instructions for one teaching style.
type StyleTemplate struct {
	Instruction string
	Hints       []string
}

// TutorPromptBuilder renders the system prompt for a tutoring session.
type TutorPromptBuilder struct {
	styles map[persona.TeachingStyle]*StyleTemplate
	rules  []string
}

// NewTutorPromptBuilder creates a builder with the default style templates.
func NewTutorPromptBuilder() *TutorPromptBuilder {
	builder := &TutorPromptBuilder{
		styles: make(map[persona.TeachingStyle]*StyleTemplate),
	}
	builder.loadDefaultTemplates()
	return builder
}

// StyleTemplate returns the template for style, falling back to ADAPTIVE.
func (b *TutorPromptBuilder) StyleTemplate(style persona.TeachingStyle) *StyleTemplate {
	if tpl, ok := b.styles[style]; ok {
		return tpl
	}
	return b.styles[persona.StyleAdaptive]
}

// BuildSystemPrompt creates the system prompt for cfg. greeting is what the
// tutor already said before the student spoke; adaptation is the current
// sentiment guidance. Both are optional.
func (b *TutorPromptBuilder) BuildSystemPrompt(cfg persona.Config, greeting, adaptation string) string {
	name := strings.TrimSpace(cfg.Name)
	subject := strings.TrimSpace(cfg.Subject)
	tpl := b.StyleTemplate(cfg.Style())

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, an AI tutor specializing in %s.\n\n", name, subject)
	sb.WriteString("PERSONALITY & TEACHING STYLE:\n")
	sb.WriteString(tpl.Instruction)
	for _, hint := range tpl.Hints {
		sb.WriteString("\n- ")
		sb.WriteString(hint)
	}

	sb.WriteString("\n\nCORE RULES:")
	for _, rule := range b.rules {
		sb.WriteString("\n- ")
		sb.WriteString(strings.NewReplacer("{name}", name, "{subject}", subject).Replace(rule))
	}
	if !cfg.UsesEnglish() {
		fmt.Fprintf(&sb, "\n- You may use %s words/phrases naturally, always providing translations for beginners.", strings.TrimSpace(cfg.Language))
	}

	sb.WriteString("\n\nYou are currently in a live tutoring session. The student has just joined. Be conversational and engaging.")

	if greeting = strings.TrimSpace(greeting); greeting != "" {
		sb.WriteString("\n\nYou already greeted the student with: \"")
		sb.WriteString(greeting)
		sb.WriteString("\". Do not greet them again.")
	}
	if adaptation = strings.TrimSpace(adaptation); adaptation != "" {
		sb.WriteString("\n\n")
		sb.WriteString(adaptation)
	}
	return sb.String()
}

func (b *TutorPromptBuilder) loadDefaultTemplates() {
	b.styles[persona.StyleSocratic] = &StyleTemplate{
		Instruction: "Use the Socratic method: guide students with thought-provoking questions rather than giving direct answers. Help them discover concepts on their own through a chain of reasoning questions.",
	}
	b.styles[persona.StyleExampleBased] = &StyleTemplate{
		Instruction: "Teach primarily through vivid real-world examples, demonstrations, and analogies. Make abstract concepts tangible by connecting them to everyday experiences. Be enthusiastic and passionate.",
	}
	b.styles[persona.StyleCollaborative] = &StyleTemplate{
		Instruction: "Use a collaborative, encouraging approach. Learn together with the student. Celebrate their efforts, gently correct mistakes, and build their confidence. Mix languages naturally if teaching a language subject.",
	}
	b.styles[persona.StyleDirect] = &StyleTemplate{
		Instruction: "Give clear, structured explanations. Be concise and organized. Present information step-by-step with clear definitions and formulas.",
	}
	b.styles[persona.StyleAdaptive] = &StyleTemplate{
		Instruction: "Adapt your teaching style based on the student's responses. If they struggle, simplify. If they excel, increase complexity. Match their pace and level.",
	}

	b.rules = []string{
		"Stay in character as {name} at all times.",
		"Focus on {subject}. If a student asks about unrelated topics, gently redirect them back, but be friendly about it.",
		"Keep responses concise (2-4 sentences typically). This is a conversational tutoring session, not a lecture.",
		"Your replies are spoken aloud. Use markdown sparingly, bold for key terms at most.",
		"If the student seems confused, break things down into smaller steps.",
		"Ask follow-up questions to check understanding.",
		"Be warm, encouraging, and patient.",
		"If teaching a language (like Hindi), naturally mix in target language words and phrases with translations.",
	}
}

package persona

import "strings"

// Config is the immutable tutor description a session is started with.
type Config struct {
	Name          string `json:"name" validate:"notblank,max=80"`
	Subject       string `json:"subject" validate:"notblank,max=120"`
	TeachingStyle string `json:"style" validate:"omitempty,teaching_style"`
	Language      string `json:"language,omitempty" validate:"omitempty,max=40"`
}

// Style resolves the configured teaching style.
func (c Config) Style() TeachingStyle {
	return ParseTeachingStyle(c.TeachingStyle)
}

// UsesEnglish reports whether the tutor speaks only English.
func (c Config) UsesEnglish() bool {
	lang := strings.ToLower(strings.TrimSpace(c.Language))
	return lang == "" || lang == "english" || lang == "en" || strings.HasPrefix(lang, "en-")
}

// Persona captures the tutor attributes exposed to the frontend.
type Persona struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Subject       string        `json:"subject"`
	TeachingStyle TeachingStyle `json:"teachingStyle"`
	Language      string        `json:"language"`
	VoiceID       string        `json:"voiceId,omitempty"`
	VoiceProvider string        `json:"voiceProvider,omitempty"`
	OpeningLine   string        `json:"openingLine"`
	Description   string        `json:"description,omitempty"` // 人设描述
	Traits        []string      `json:"traits,omitempty"`
}

// Config derives the session configuration for this persona.
func (p Persona) Config() Config {
	return Config{
		Name:          p.Name,
		Subject:       p.Subject,
		TeachingStyle: p.TeachingStyle.DisplayName(),
		Language:      p.Language,
	}
}

// Seed provides the default tutors offered on the session page.
func Seed() []Persona {
	return []Persona{
		{
			ID:            "prof-ada",
			Name:          "Prof. Ada",
			Subject:       "Mathematics",
			TeachingStyle: StyleSocratic,
			Language:      "English",
			VoiceID:       "21m00Tcm4TlvDq8ikWAM",
			VoiceProvider: "elevenlabs",
			OpeningLine:   "Hi, I'm Prof. Ada. What part of maths shall we puzzle through together today?",
			Description:   "A warm and enthusiastic mathematics tutor who finds creative ways to explain concepts and encourages students to think critically.",
			Traits:        []string{"warm", "curious", "patient"},
		},
		{
			ID:            "walter-lewin",
			Name:          "Sir Walter Lewin",
			Subject:       "Physics",
			TeachingStyle: StyleExampleBased,
			Language:      "English",
			VoiceID:       "onwK4e9ZLuTAKqWW03F9",
			VoiceProvider: "elevenlabs",
			OpeningLine:   "Welcome! Physics is all around us. Tell me what you'd like to explore and we'll find it in everyday life.",
			Description:   "A passionate physics lecturer who teaches through vivid demonstrations and real-world examples.",
			Traits:        []string{"energetic", "vivid", "playful"},
		},
		{
			ID:            "ms-sharma",
			Name:          "Ms. Sharma",
			Subject:       "Hindi",
			TeachingStyle: StyleCollaborative,
			Language:      "Hindi",
			VoiceID:       "XB0fDUnXU5powFXDhCwa",
			VoiceProvider: "elevenlabs",
			OpeningLine:   "Namaste! Let's learn some Hindi together. Aaj hum kya seekhenge? What shall we learn today?",
			Description:   "An encouraging language teacher who learns alongside the student and mixes Hindi and English naturally.",
			Traits:        []string{"encouraging", "gentle", "collaborative"},
		},
	}
}

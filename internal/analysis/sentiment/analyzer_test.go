package sentiment

import (
	"strings"
	"testing"
)

func TestAnalyze(t *testing.T) {
	tests := []struct {
		in      string
		want    Label
		keyword string
	}{
		{"I don't understand what a limit is", Confused, "i don't understand"},
		{"Ugh, this is hard", Frustrated, "this is hard"},
		{"Oh I see, that makes sense now", Excited, "oh i see"},
		{"Whatever, can we move on to the next one", Bored, "whatever"},
		{"ok", Disengaged, ""},
		{"Tell me about integrals please", Neutral, ""},
		{"I don’t get it", Confused, "i don't get it"},
	}

	for _, tt := range tests {
		got := Analyze(tt.in)
		if got.Label != tt.want {
			t.Fatalf("Analyze(%q) = %s, want %s", tt.in, got.Label, tt.want)
		}
		if got.Keyword != tt.keyword {
			t.Fatalf("Analyze(%q) keyword = %q, want %q", tt.in, got.Keyword, tt.keyword)
		}
	}
}

func TestAnalyzeFirstCategoryWins(t *testing.T) {
	// matches both a confused and an excited keyword
	got := Analyze("huh, that's cool but i'm lost")
	if got.Label != Confused {
		t.Fatalf("expected confused to take precedence, got %s", got.Label)
	}
}

func TestAdaptationPrompt(t *testing.T) {
	got := AdaptationPrompt(Frustrated)
	want := "[ADAPTATION] Student appears frustrated. Use a encouraging and supportive tone. Strategy: acknowledge difficulty, break into small steps. Pace: slower."
	if got != want {
		t.Fatalf("unexpected prompt:\n got %s\nwant %s", got, want)
	}
	if !strings.Contains(AdaptationPrompt(Label("sleepy")), "Student appears neutral") {
		t.Fatalf("unknown labels should fall back to neutral")
	}
}

func TestStrategySpeedAndVoice(t *testing.T) {
	if StrategyFor(Confused).SpeedRatio() >= 1 {
		t.Fatalf("confused students should get slower speech")
	}
	if StrategyFor(Bored).SpeedRatio() <= 1 {
		t.Fatalf("bored students should get faster speech")
	}
	if _, ok := VoiceEmotionFor(Neutral); ok {
		t.Fatalf("neutral must not change the voice emotion")
	}
	if v, ok := VoiceEmotionFor(Frustrated); !ok || v.Emotion != "comfort" {
		t.Fatalf("unexpected voice emotion for frustrated: %+v", v)
	}
}

func TestParseLabel(t *testing.T) {
	if l, ok := ParseLabel(" Excited "); !ok || l != Excited {
		t.Fatalf("unexpected parse result %s %v", l, ok)
	}
	if l, ok := ParseLabel("sleepy"); ok || l != Neutral {
		t.Fatalf("unknown label should map to neutral, got %s %v", l, ok)
	}
}

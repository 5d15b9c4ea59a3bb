package pedagogy

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/zhouzirui/edu-avatar/backend/internal/analysis/sentiment"
)

func TestParseLevel(t *testing.T) {
	if level, ok := ParseLevel(" analyze "); !ok || level != Analyze {
		t.Fatalf("ParseLevel(analyze) = %v, %v", level, ok)
	}
	if _, ok := ParseLevel("memorize"); ok {
		t.Fatalf("unknown level should not parse")
	}
	if Level(0).Valid() || Level(7).Valid() {
		t.Fatalf("out of range levels should be invalid")
	}
}

func TestTargetLevel(t *testing.T) {
	tests := []struct {
		score   float64
		current Level
		want    Level
	}{
		{0.9, Understand, Apply},
		{0.8, Create, Create},
		{0.2, Understand, Remember},
		{0.1, Remember, Remember},
		{0.5, Apply, Apply},
		{0.9, Level(0), Apply},
	}

	for _, tt := range tests {
		if got := TargetLevel(tt.score, tt.current); got != tt.want {
			t.Fatalf("TargetLevel(%v, %s) = %s, want %s", tt.score, tt.current, got, tt.want)
		}
	}
}

func TestEvaluateResponseDepth(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"yes", Remember},
		{"I would design a bridge with more supports", Create},
		{"I agree, the second method is faster", Evaluate},
		{"It works because the numerator stays the same", Analyze},
		{"For example we split the pizza into four", Apply},
		{"A fraction is a number that shows how many equal parts of a whole thing you have right now", Understand},
		{"A fraction is part of a whole", Remember},
	}

	for _, tt := range tests {
		if got := EvaluateResponseDepth(tt.in); got != tt.want {
			t.Fatalf("EvaluateResponseDepth(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestQuestionStemsFallBackToUnderstand(t *testing.T) {
	if got := QuestionStems(Level(42))[0]; got != QuestionStems(Understand)[0] {
		t.Fatalf("unexpected fallback stem %q", got)
	}
	if got := FormativePrompt("fractions", Understand); got != "Can you explain fractions in your own words?" {
		t.Fatalf("unexpected prompt %q", got)
	}
}

func TestGenerateQuiz(t *testing.T) {
	quiz := GenerateQuiz("fractions", "Easy", 3)
	if quiz.Difficulty != DifficultyEasy || len(quiz.Questions) != 3 {
		t.Fatalf("unexpected quiz %+v", quiz)
	}
	wantLevels := []Level{Remember, Understand, Remember}
	seen := map[string]bool{}
	for i, q := range quiz.Questions {
		if q.Level != wantLevels[i] {
			t.Fatalf("question %d: level %s, want %s", i, q.Level, wantLevels[i])
		}
		if seen[q.Text] {
			t.Fatalf("duplicate question %q", q.Text)
		}
		seen[q.Text] = true
	}
	if quiz.Questions[2].Text != "Can you list the key points about fractions?" {
		t.Fatalf("unexpected third question %q", quiz.Questions[2].Text)
	}

	if n := len(GenerateQuiz("fractions", "hard", 9).Questions); n != maxQuizQuestions {
		t.Fatalf("expected question count to be capped, got %d", n)
	}
	if n := len(GenerateQuiz("fractions", "", 0).Questions); n != defaultQuizQuestions {
		t.Fatalf("expected default question count, got %d", n)
	}
	if levels := GenerateQuiz("fractions", "weird", 2).Levels; len(levels) != 1 || levels[0] != Apply {
		t.Fatalf("unknown difficulty should target apply, got %v", levels)
	}

	raw, err := json.Marshal(quiz.Questions[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"bloomLevel":"REMEMBER"`) {
		t.Fatalf("level should marshal by name, got %s", raw)
	}
}

func TestCheckUnderstanding(t *testing.T) {
	short := CheckUnderstanding("fractions", "part of a whole", 0)
	if short.UnderstandingLevel != "partial" || short.LevelTargeted != Understand {
		t.Fatalf("unexpected short assessment %+v", short)
	}

	long := CheckUnderstanding("fractions", "A fraction compared to a whole number shows equal parts, because we divide one thing", Apply)
	if long.UnderstandingLevel != "good" || long.LevelDemonstrated != Analyze || long.LevelTargeted != Apply {
		t.Fatalf("unexpected detailed assessment %+v", long)
	}
}

func TestTrackerAdjustsTargetLevel(t *testing.T) {
	tracker := NewTracker(" Add fractions ")
	if tracker.Level() != StartLevel || tracker.Objective() != "Add fractions" {
		t.Fatalf("unexpected initial tracker state %s %q", tracker.Level(), tracker.Objective())
	}

	plan := tracker.Observe("I would design a bridge with more supports")
	if plan.Demonstrated != Create || plan.Target != Apply {
		t.Fatalf("deep answer should raise the target, got %+v", plan)
	}

	plan = tracker.Observe("yes")
	if plan.Target != Understand {
		t.Fatalf("shallow answer should lower the target, got %+v", plan)
	}

	plan = tracker.Observe("A fraction is part of a whole")
	if plan.Target != Understand || plan.Objective != "Add fractions" {
		t.Fatalf("near miss should keep the target, got %+v", plan)
	}

	tracker.Observe("I would design a bridge with more supports")
	tracker.SetObjective("Compare decimals")
	if tracker.Level() != StartLevel || tracker.Objective() != "Compare decimals" {
		t.Fatalf("new objective should reset the level, got %s", tracker.Level())
	}
}

func TestContextMessage(t *testing.T) {
	msg := ContextMessage(sentiment.Confused, Plan{Demonstrated: Remember, Target: Understand, Objective: "Add fractions"})
	for _, want := range []string{
		"STUDENT SENTIMENT: confused",
		"INSTRUCTION: Simplify your explanation.",
		"CURRENT LEARNING OBJECTIVE: Add fractions",
		"aim for UNDERSTAND",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("context message missing %q:\n%s", want, msg)
		}
	}

	excited := ContextMessage(sentiment.Excited, Plan{})
	if excited != "STUDENT SENTIMENT: excited" {
		t.Fatalf("unexpected message %q", excited)
	}
	if got := ContextMessage(sentiment.Neutral, Plan{}); got != "" {
		t.Fatalf("neutral without plan should be empty, got %q", got)
	}
}

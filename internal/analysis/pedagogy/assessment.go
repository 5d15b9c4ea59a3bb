package pedagogy

import (
	"fmt"
	"strings"
)

type depthIndicators struct {
	level      Level
	indicators []string
}

// 顺序即优先级，先命中者生效。
var depthTable = []depthIndicators{
	{level: Create, indicators: []string{"i would design", "my proposal", "i could build", "new approach"}},
	{level: Evaluate, indicators: []string{"i think because", "the best", "i agree", "i disagree", "however"}},
	{level: Analyze, indicators: []string{"compared to", "the difference", "because", "the reason", "relationship"}},
	{level: Apply, indicators: []string{"for example", "if we", "we can use", "this means"}},
}

// EvaluateResponseDepth 估计学生回答体现的认知层级。
func EvaluateResponseDepth(response string) Level {
	words := len(strings.Fields(response))
	if words < 5 {
		return Remember
	}

	lower := strings.ToLower(response)
	for _, row := range depthTable {
		for _, indicator := range row.indicators {
			if strings.Contains(lower, indicator) {
				return row.level
			}
		}
	}

	if words > 15 {
		return Understand
	}
	return Remember
}

// FormativePrompt 生成导师可直接使用的形成性评价问题。
func FormativePrompt(topic string, level Level) string {
	if !level.Valid() {
		level = Understand
	}
	return formativePrompt(topic, level, Verbs(level)[0])
}

func formativePrompt(topic string, level Level, verb string) string {
	switch level {
	case Remember:
		return fmt.Sprintf("Can you %s the key points about %s?", verb, topic)
	case Apply:
		return fmt.Sprintf("Can you %s what you know about %s to solve a problem?", verb, topic)
	case Analyze:
		return fmt.Sprintf("Can you %s the different aspects of %s?", verb, topic)
	case Evaluate:
		return fmt.Sprintf("Can you %s the significance of %s?", verb, topic)
	case Create:
		return fmt.Sprintf("Can you %s something new based on your understanding of %s?", verb, topic)
	default:
		return fmt.Sprintf("Can you %s %s in your own words?", verb, topic)
	}
}

// Understanding 是对学生解释某个概念的评估结果。
type Understanding struct {
	Concept            string   `json:"concept"`
	UnderstandingLevel string   `json:"understandingLevel"`
	Feedback           string   `json:"feedback"`
	LevelDemonstrated  Level    `json:"bloomLevelDemonstrated"`
	LevelTargeted      Level    `json:"bloomLevelTargeted"`
	Suggestions        []string `json:"suggestions"`
}

// CheckUnderstanding 根据解释的详细程度和认知深度评估理解情况。
// target 为零值时按 Understand 处理。
func CheckUnderstanding(concept, explanation string, target Level) Understanding {
	if !target.Valid() {
		target = Understand
	}
	detailed := len(strings.Fields(explanation)) > 10

	out := Understanding{
		Concept:            concept,
		UnderstandingLevel: "partial",
		Feedback:           "Can you elaborate more on that?",
		LevelDemonstrated:  EvaluateResponseDepth(explanation),
		LevelTargeted:      target,
		Suggestions: []string{
			"Try to provide a specific example",
			"Connect this concept to what we learned before",
		},
	}
	if detailed {
		out.UnderstandingLevel = "good"
		out.Feedback = "Good explanation with detail!"
	}
	return out
}

// Quiz difficulty names.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

const (
	defaultQuizQuestions = 3
	maxQuizQuestions     = 5
)

var difficultyLevels = map[string][]Level{
	DifficultyEasy:   {Remember, Understand},
	DifficultyMedium: {Apply, Analyze},
	DifficultyHard:   {Evaluate, Create},
}

// Question 是一道开放式测验题。
type Question struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Type  string `json:"type"`
	Level Level  `json:"bloomLevel"`
}

// Quiz 是针对某个主题的一组测验题。
type Quiz struct {
	Topic      string     `json:"topic"`
	Difficulty string     `json:"difficulty"`
	Levels     []Level    `json:"bloomLevels"`
	Questions  []Question `json:"questions"`
}

// GenerateQuiz 生成按难度分布在不同层级上的测验题，题数限制在 1-5。
// 未知难度只考察 Apply。
func GenerateQuiz(topic, difficulty string, count int) Quiz {
	difficulty = strings.ToLower(strings.TrimSpace(difficulty))
	if difficulty == "" {
		difficulty = DifficultyMedium
	}
	levels, ok := difficultyLevels[difficulty]
	if !ok {
		levels = []Level{Apply}
	}
	switch {
	case count <= 0:
		count = defaultQuizQuestions
	case count > maxQuizQuestions:
		count = maxQuizQuestions
	}

	quiz := Quiz{
		Topic:      topic,
		Difficulty: difficulty,
		Levels:     levels,
		Questions:  make([]Question, 0, count),
	}
	for i := 0; i < count; i++ {
		level := levels[i%len(levels)]
		// 同一层级再次出题时换用下一个动词，避免题目重复。
		levelVerbs := Verbs(level)
		verb := levelVerbs[(i/len(levels))%len(levelVerbs)]
		quiz.Questions = append(quiz.Questions, Question{
			ID:    fmt.Sprintf("q%d", i+1),
			Text:  formativePrompt(topic, level, verb),
			Type:  "open_ended",
			Level: level,
		})
	}
	return quiz
}

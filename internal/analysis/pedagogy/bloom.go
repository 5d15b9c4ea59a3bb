package pedagogy

import (
	"fmt"
	"strings"
)

// Level 是布鲁姆认知目标分类中的层级，数值越大认知要求越高。
type Level int

const (
	Remember Level = iota + 1
	Understand
	Apply
	Analyze
	Evaluate
	Create
)

var levelNames = map[Level]string{
	Remember:   "REMEMBER",
	Understand: "UNDERSTAND",
	Apply:      "APPLY",
	Analyze:    "ANALYZE",
	Evaluate:   "EVALUATE",
	Create:     "CREATE",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid 判断层级是否在 Remember 到 Create 之间。
func (l Level) Valid() bool {
	return l >= Remember && l <= Create
}

// MarshalText 以层级名称序列化。
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText 按名称解析层级。
func (l *Level) UnmarshalText(text []byte) error {
	level, ok := ParseLevel(string(text))
	if !ok {
		return fmt.Errorf("unknown bloom level %q", text)
	}
	*l = level
	return nil
}

// ParseLevel 按名称（不区分大小写）解析层级。
func ParseLevel(raw string) (Level, bool) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	for level, candidate := range levelNames {
		if candidate == name {
			return level, true
		}
	}
	return 0, false
}

var questionStems = map[Level][]string{
	Remember: {
		"Can you recall...",
		"What is the definition of...",
		"List the...",
		"Who/What/When/Where...",
	},
	Understand: {
		"Can you explain in your own words...",
		"What is the main idea of...",
		"How would you summarize...",
		"Why does...",
	},
	Apply: {
		"How would you use this to solve...",
		"Can you demonstrate...",
		"What would happen if...",
		"How is this related to...",
	},
	Analyze: {
		"What are the parts of...",
		"How does this compare to...",
		"What is the relationship between...",
		"What evidence supports...",
	},
	Evaluate: {
		"Do you agree that... Why?",
		"What is the most important...",
		"How would you prioritize...",
		"What criteria would you use to judge...",
	},
	Create: {
		"How would you design...",
		"What would you propose...",
		"Can you formulate a plan for...",
		"How could you improve...",
	},
}

var verbs = map[Level][]string{
	Remember:   {"define", "list", "recall", "identify", "name", "state"},
	Understand: {"explain", "describe", "summarize", "interpret", "classify"},
	Apply:      {"apply", "demonstrate", "solve", "use", "implement"},
	Analyze:    {"analyze", "compare", "contrast", "examine", "differentiate"},
	Evaluate:   {"evaluate", "judge", "justify", "argue", "assess"},
	Create:     {"create", "design", "propose", "construct", "develop"},
}

// QuestionStems 返回某层级的提问句式，未知层级按 Understand 处理。
func QuestionStems(level Level) []string {
	if stems, ok := questionStems[level]; ok {
		return stems
	}
	return questionStems[Understand]
}

// Verbs 返回某层级的行为动词，未知层级按 Understand 处理。
func Verbs(level Level) []string {
	if v, ok := verbs[level]; ok {
		return v
	}
	return verbs[Understand]
}

// TargetLevel 根据学生表现（0-1）决定下一步的目标层级：
// 不低于 0.8 上升一级，低于 0.4 下降一级，其余保持。
func TargetLevel(score float64, current Level) Level {
	if !current.Valid() {
		current = Understand
	}
	switch {
	case score >= 0.8 && current < Create:
		return current + 1
	case score < 0.4 && current > Remember:
		return current - 1
	default:
		return current
	}
}

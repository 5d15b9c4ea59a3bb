package pedagogy

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/edu-avatar/backend/internal/analysis/sentiment"
)

// StartLevel 是新话题的起始层级。
const StartLevel = Understand

// Plan 是针对一条学生发言的教学安排。
type Plan struct {
	Demonstrated Level
	Target       Level
	Objective    string
}

// Tracker 跟踪一次会话中的目标层级与当前学习目标，不是并发安全的。
type Tracker struct {
	level     Level
	objective string
}

// NewTracker 创建从 StartLevel 开始的跟踪器。
func NewTracker(objective string) *Tracker {
	return &Tracker{level: StartLevel, objective: strings.TrimSpace(objective)}
}

// Level 返回当前目标层级。
func (t *Tracker) Level() Level {
	return t.level
}

// Objective 返回当前学习目标。
func (t *Tracker) Objective() string {
	return t.objective
}

// SetObjective 切换学习目标，目标层级回到起点。
func (t *Tracker) SetObjective(objective string) {
	objective = strings.TrimSpace(objective)
	if objective == t.objective {
		return
	}
	t.objective = objective
	t.level = StartLevel
}

// Observe 评估学生发言的认知深度并调整目标层级。
func (t *Tracker) Observe(utterance string) Plan {
	demonstrated := EvaluateResponseDepth(utterance)
	t.level = TargetLevel(score(demonstrated, t.level), t.level)
	return Plan{Demonstrated: demonstrated, Target: t.level, Objective: t.objective}
}

// score 把发言层级与目标层级的差距折算成 0-1 的表现分。
func score(demonstrated, target Level) float64 {
	switch {
	case demonstrated >= target:
		return 1
	case demonstrated == target-1:
		return 0.6
	default:
		return 0.2
	}
}

var sentimentInstructions = map[sentiment.Label]string{
	sentiment.Confused:   "Simplify your explanation. Use an analogy or example.",
	sentiment.Frustrated: "Be encouraging. Break the problem into smaller steps.",
	sentiment.Bored:      "Make it more engaging. Ask a thought-provoking question.",
}

// ContextMessage 生成附加到系统提示词中的教学上下文：学生情绪及对应指令、
// 当前学习目标以及目标层级的提问句式。
func ContextMessage(label sentiment.Label, plan Plan) string {
	var parts []string

	if label != "" && label != sentiment.Neutral {
		parts = append(parts, fmt.Sprintf("STUDENT SENTIMENT: %s", label))
		if instruction, ok := sentimentInstructions[label]; ok {
			parts = append(parts, "INSTRUCTION: "+instruction)
		}
	}

	if plan.Objective != "" {
		parts = append(parts, "CURRENT LEARNING OBJECTIVE: "+plan.Objective)
	}

	if plan.Target.Valid() {
		stems := QuestionStems(plan.Target)
		parts = append(parts, fmt.Sprintf("BLOOM LEVEL: student answered at %s, aim for %s. Question stems: %s",
			plan.Demonstrated, plan.Target, strings.Join(stems[:2], " / ")))
	}

	return strings.Join(parts, "\n")
}

package sentiment

import "fmt"

// Strategy 描述针对某种情绪的教学调整方式。
type Strategy struct {
	Tone     string   `json:"tone"`
	Approach string   `json:"approach"`
	Pace     string   `json:"pace"`
	Actions  []string `json:"actions"`
}

var strategies = map[Label]Strategy{
	Confused: {
		Tone:     "patient and clear",
		Approach: "simplify and use analogies",
		Pace:     "slower",
		Actions:  []string{"break down the concept", "use a simpler example", "check prerequisites"},
	},
	Frustrated: {
		Tone:     "encouraging and supportive",
		Approach: "acknowledge difficulty, break into small steps",
		Pace:     "slower",
		Actions:  []string{"validate their effort", "simplify the problem", "offer a hint"},
	},
	Excited: {
		Tone:     "enthusiastic and challenging",
		Approach: "push to higher Bloom's levels",
		Pace:     "maintain or increase",
		Actions:  []string{"ask a harder question", "introduce a new angle", "praise their insight"},
	},
	Bored: {
		Tone:     "engaging and dynamic",
		Approach: "make it interactive and relevant",
		Pace:     "faster",
		Actions:  []string{"ask a thought-provoking question", "relate to real world", "try a different approach"},
	},
	Disengaged: {
		Tone:     "warm and inviting",
		Approach: "re-engage with a question or activity",
		Pace:     "moderate",
		Actions:  []string{"ask an open question", "check in on how they're feeling", "change the activity"},
	},
	Neutral: {
		Tone:     "friendly and professional",
		Approach: "continue current strategy",
		Pace:     "moderate",
		Actions:  []string{"continue teaching", "periodically check understanding"},
	},
}

// StrategyFor 返回情绪对应的策略，未知标签使用 Neutral。
func StrategyFor(label Label) Strategy {
	if s, ok := strategies[label]; ok {
		return s
	}
	return strategies[Neutral]
}

// AdaptationPrompt 生成注入到系统提示词中的调整片段。
func AdaptationPrompt(label Label) string {
	if _, ok := strategies[label]; !ok {
		label = Neutral
	}
	s := strategies[label]
	return fmt.Sprintf("[ADAPTATION] Student appears %s. Use a %s tone. Strategy: %s. Pace: %s.",
		label, s.Tone, s.Approach, s.Pace)
}

// SpeedRatio 将策略节奏映射为 TTS 语速倍率。
func (s Strategy) SpeedRatio() float32 {
	switch s.Pace {
	case "slower":
		return 0.9
	case "faster":
		return 1.1
	case "maintain or increase":
		return 1.05
	default:
		return 1.0
	}
}

// VoiceEmotion 是导师语音应采用的情感及强度（1-5）。
type VoiceEmotion struct {
	Emotion string
	Scale   float32
}

var voiceEmotions = map[Label]VoiceEmotion{
	Confused:   {Emotion: "tender", Scale: 3},
	Frustrated: {Emotion: "comfort", Scale: 4},
	Excited:    {Emotion: "excited", Scale: 4},
	Bored:      {Emotion: "happy", Scale: 3},
	Disengaged: {Emotion: "tender", Scale: 2},
}

// VoiceEmotionFor 返回导师回应该情绪时的语音情感，Neutral 不调整。
func VoiceEmotionFor(label Label) (VoiceEmotion, bool) {
	v, ok := voiceEmotions[label]
	return v, ok
}

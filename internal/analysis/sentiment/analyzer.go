package sentiment

import "strings"

// Label 表示学生当前的学习情绪。
type Label string

const (
	Confused   Label = "confused"
	Frustrated Label = "frustrated"
	Excited    Label = "excited"
	Bored      Label = "bored"
	Disengaged Label = "disengaged"
	Neutral    Label = "neutral"
)

// Labels lists every label in display order.
var Labels = []Label{Confused, Frustrated, Excited, Bored, Disengaged, Neutral}

// ParseLabel 将任意字符串规范化为已知标签，未知值返回 Neutral。
func ParseLabel(raw string) (Label, bool) {
	candidate := Label(strings.ToLower(strings.TrimSpace(raw)))
	for _, label := range Labels {
		if label == candidate {
			return label, true
		}
	}
	return Neutral, false
}

// Result 给出关键词分析的结论以及命中的关键词。
type Result struct {
	Label   Label
	Keyword string
}

type keywordBucket struct {
	label    Label
	keywords []string
}

// 顺序即优先级：先命中的类别获胜。
var keywordTable = []keywordBucket{
	{Confused, []string{
		"i don't understand", "what do you mean", "i'm lost", "confused",
		"huh", "wait what", "can you repeat", "i don't get it",
	}},
	{Frustrated, []string{
		"this is hard", "i can't", "i give up", "this doesn't make sense",
		"ugh", "i hate", "too difficult", "impossible",
	}},
	{Excited, []string{
		"oh i see", "that's cool", "awesome", "i love", "amazing",
		"that makes sense", "aha", "eureka", "i got it",
	}},
	{Bored, []string{
		"whatever", "okay", "sure", "i guess", "mhm",
		"can we move on", "this is boring",
	}},
}

// disengagedWordLimit 少于该词数且未命中关键词的回复视为敷衍。
const disengagedWordLimit = 3

// Analyze 根据学生话语推断情绪标签。
func Analyze(utterance string) Result {
	text := strings.ToLower(strings.TrimSpace(utterance))
	// 统一弯引号，语音识别常输出 ’
	text = strings.ReplaceAll(text, "’", "'")

	for _, bucket := range keywordTable {
		for _, keyword := range bucket.keywords {
			if strings.Contains(text, keyword) {
				return Result{Label: bucket.label, Keyword: keyword}
			}
		}
	}

	if len(strings.Fields(text)) < disengagedWordLimit {
		return Result{Label: Disengaged}
	}
	return Result{Label: Neutral}
}

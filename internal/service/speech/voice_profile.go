package speech

import (
	"strings"

	"github.com/zhouzirui/edu-avatar/backend/internal/analysis/sentiment"
)

// 导师人设、ElevenLabs 预置音色到火山引擎音色的映射
var voiceAliases = map[string]string{
	"prof-ada":             "en_female_skye_emo_v2_mars_bigtts",
	"walter-lewin":         "en_male_glen_emo_v2_mars_bigtts",
	"ms-sharma":            "en_female_candice_emo_v2_mars_bigtts",
	"21m00tcm4tlvdq8ikwam": "en_female_skye_emo_v2_mars_bigtts",    // Rachel
	"onwk4e9zlutakqww03f9": "en_male_glen_emo_v2_mars_bigtts",      // Daniel
	"xb0fdunxu5powfxdhcwa": "en_female_candice_emo_v2_mars_bigtts", // Charlotte
	"en_default":           "en_female_amy_jupiter_bigtts",
}

var emotionVoiceWhitelist = map[string]struct{}{
	"en_female_candice_emo_v2_mars_bigtts": {},
	"en_female_skye_emo_v2_mars_bigtts":    {},
	"en_male_glen_emo_v2_mars_bigtts":      {},
	"en_male_sylus_emo_v2_mars_bigtts":     {},
	"en_male_corey_emo_v2_mars_bigtts":     {},
}

// NormalizeVoiceAlias 将人设或跨服务的音色别名转换为火山引擎音色
func NormalizeVoiceAlias(voice string) string {
	voice = strings.TrimSpace(voice)
	if mapped, ok := voiceAliases[strings.ToLower(voice)]; ok {
		return mapped
	}
	return voice
}

// EmotionParameters 根据学生情绪标签计算导师语音的情感参数，不支持情感的音色返回 false
func EmotionParameters(voice, label string) (enable bool, emotion string, scale float32) {
	if !supportsEmotion(voice) {
		return false, "", 0
	}
	return emotionFor(label)
}

func emotionFor(label string) (bool, string, float32) {
	parsed, ok := sentiment.ParseLabel(label)
	if !ok {
		return false, "", 0
	}
	ve, ok := sentiment.VoiceEmotionFor(parsed)
	if !ok {
		return false, "", 0
	}

	scale := ve.Scale
	if scale < 1 {
		scale = 1
	}
	if scale > 5 {
		scale = 5
	}
	return true, ve.Emotion, scale
}

func supportsEmotion(voice string) bool {
	normalized := strings.ToLower(strings.TrimSpace(voice))
	if normalized == "" {
		return false
	}
	if _, ok := emotionVoiceWhitelist[normalized]; ok {
		return true
	}
	return strings.Contains(normalized, "_emo_")
}

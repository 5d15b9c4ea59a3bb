package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/edu-avatar/backend/internal/config"
	speechmodel "github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/speech"
)

const streamChunkBytes = 6400

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mode := flag.String("mode", "", "测试模式: asr, stream, tts 或 voices")
	audioPath := flag.String("audio", "", "ASR 输入音频文件路径")
	text := flag.String("text", "", "TTS 输入文本")
	outputPath := flag.String("out", "", "TTS 输出音频文件路径 (默认根据格式自动生成)")
	format := flag.String("format", "", "音频格式 (ASR: 输入格式; TTS: 输出格式)")
	language := flag.String("lang", "", "语言代码，默认使用配置中的语言")
	voice := flag.String("voice", "", "TTS 声音 ID，默认使用配置中的 TTSVoice")
	provider := flag.String("provider", "", "TTS 提供方: volcengine 或 elevenlabs，默认自动选择")
	emotion := flag.String("emotion", "", "学生情绪标签，用于调整导师语气")
	session := flag.String("session", "", "自定义 sessionID，留空则自动生成")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")

	flag.Parse()

	switch *mode {
	case "asr", "stream", "tts", "voices":
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=asr|stream|tts|voices 指定测试模式")
	}

	if !cfg.Speech.Enabled && !cfg.ElevenLabs.Enabled() {
		log.Fatal("语音服务未启用，请先配置 SPEECH_* 或 ELEVENLABS_API_KEY")
	}

	sessionID := *session
	if sessionID == "" {
		sessionID = fmt.Sprintf("manual-%d", time.Now().UnixNano())
	}

	svc := speech.NewService(cfg.SpeechServiceConfig())
	health := svc.Health()
	log.Printf("语音服务状态: provider=%s recognition=%t synthesis=%t", health.Provider, health.Recognition, health.Synthesis)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "asr":
		runASR(ctx, svc, cfg, sessionID, *audioPath, *format, *language)
	case "stream":
		runStream(ctx, svc, cfg, sessionID, *audioPath, *format, *language)
	case "tts":
		runTTS(ctx, svc, cfg, &speechmodel.TTSRequest{
			SessionID: sessionID,
			Text:      *text,
			Voice:     *voice,
			Format:    *format,
			Language:  *language,
			Emotion:   *emotion,
			Provider:  *provider,
		}, *outputPath)
	case "voices":
		for _, v := range svc.Voices(ctx) {
			fmt.Printf("%-24s %-12s %s\n", v.VoiceID, v.Name, formatLabels(v.Labels))
		}
	}
}

func openAudio(audioPath, format string) (*os.File, string) {
	if audioPath == "" {
		log.Fatal("识别模式需要通过 -audio 指定音频文件路径")
	}

	file, err := os.Open(audioPath)
	if err != nil {
		log.Fatalf("打开音频文件失败: %v", err)
	}

	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(audioPath)), ".")
		if format == "" {
			format = "wav"
		}
	}
	return file, format
}

func runASR(ctx context.Context, svc *speech.Service, cfg *config.Config, sessionID, audioPath, format, language string) {
	file, format := openAudio(audioPath, format)
	defer file.Close()

	if language == "" {
		language = cfg.Speech.ASRLanguage
	}

	log.Printf("开始进行 ASR 测试: session=%s format=%s language=%s", sessionID, format, language)

	resp, err := svc.TranscribeAudio(ctx, &speechmodel.ASRRequest{
		SessionID: sessionID,
		AudioData: file,
		Format:    format,
		Language:  language,
	})
	if err != nil {
		log.Fatalf("ASR 调用失败: %v", err)
	}

	log.Printf("ASR 识别成功: text=%q confidence=%.2f duration=%dms", resp.Text, resp.Confidence, resp.Duration)
}

// runStream 按实时节奏推送音频，打印中间与最终识别结果
func runStream(ctx context.Context, svc *speech.Service, cfg *config.Config, sessionID, audioPath, format, language string) {
	file, format := openAudio(audioPath, format)
	defer file.Close()

	if language == "" {
		language = cfg.Speech.ASRLanguage
	}

	rec, err := svc.OpenRecognition(ctx, sessionID, language, format)
	if err != nil {
		log.Fatalf("打开流式识别失败: %v", err)
	}
	defer rec.Close()

	go func() {
		buf := make([]byte, streamChunkBytes)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			n, readErr := io.ReadFull(file, buf)
			if n > 0 {
				if err := rec.Send(append([]byte(nil), buf[:n]...)); err != nil {
					log.Printf("发送音频失败: %v", err)
					return
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
					log.Printf("读取音频失败: %v", readErr)
				}
				if err := rec.Finish(); err != nil {
					log.Printf("结束识别失败: %v", err)
				}
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	for chunk := range rec.Results() {
		kind := "interim"
		if chunk.IsFinal {
			kind = "final"
		}
		log.Printf("[%s] %q (%d-%dms)", kind, chunk.Text, chunk.StartTime, chunk.EndTime)
	}
	if err := rec.Err(); err != nil {
		log.Fatalf("流式识别失败: %v", err)
	}
	log.Println("流式识别结束")
}

func runTTS(ctx context.Context, svc *speech.Service, cfg *config.Config, req *speechmodel.TTSRequest, outputPath string) {
	if strings.TrimSpace(req.Text) == "" {
		log.Fatal("TTS 模式需要通过 -text 提供待合成文本")
	}
	if req.Voice == "" && svc.Provider(req.Provider) == speech.ProviderVolcengine {
		req.Voice = cfg.Speech.TTSVoice
	}
	if req.Language == "" {
		req.Language = cfg.Speech.TTSLanguage
	}
	if req.Format == "" {
		req.Format = "mp3"
	}
	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), req.Format)
	}

	log.Printf("开始进行 TTS 测试: session=%s provider=%s voice=%s format=%s", req.SessionID, svc.Provider(req.Provider), req.Voice, req.Format)

	resp, err := svc.SynthesizeSpeech(ctx, req)
	if err != nil {
		log.Fatalf("TTS 调用失败: %v", err)
	}

	if err := os.WriteFile(outputPath, resp.AudioData, 0o644); err != nil {
		log.Fatalf("写入音频文件失败: %v", err)
	}

	log.Printf("TTS 合成成功: 输出文件 %s, 时长=%dms", outputPath, resp.Duration)
}

func formatLabels(labels map[string]string) string {
	parts := make([]string, 0, len(labels))
	for _, key := range []string{"accent", "gender", "age", "use_case"} {
		if v := labels[key]; v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}

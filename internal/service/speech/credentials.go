package speech

import (
	"errors"
	"strings"

	speechmodel "github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
)

// ErrMissingCredentials 火山引擎 AppID 或 AccessToken 未配置
var ErrMissingCredentials = errors.New("volcengine speech credentials missing: set SPEECH_APP_ID and SPEECH_ACCESS_TOKEN")

// resolveCredentials 返回规范化后的 AppID 与 AccessToken
func resolveCredentials(cfg *speechmodel.SpeechConfig) (string, string, error) {
	if cfg == nil {
		return "", "", ErrMissingCredentials
	}
	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(cfg.APIKey)
	}
	if appID == "" || token == "" {
		return "", "", ErrMissingCredentials
	}
	return appID, token, nil
}

package pedagogy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	analysis "github.com/zhouzirui/edu-avatar/backend/internal/analysis/pedagogy"
	"github.com/zhouzirui/edu-avatar/backend/internal/validation"
	"github.com/zhouzirui/edu-avatar/backend/pkg/utils"
)

// Handler 提供测验生成与理解程度评估接口
type Handler struct{}

// New 创建教学评估处理器
func New() *Handler {
	return &Handler{}
}

// RegisterRoutes 注册教学评估相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/pedagogy", func(r chi.Router) {
		r.Post("/quiz", h.handleQuiz)
		r.Post("/understanding", h.handleUnderstanding)
	})
}

type quizRequest struct {
	Topic        string `json:"topic" validate:"notblank,max=200"`
	Difficulty   string `json:"difficulty" validate:"omitempty,oneof=easy medium hard"`
	NumQuestions int    `json:"numQuestions" validate:"omitempty,min=1,max=5"`
}

type understandingRequest struct {
	Concept     string `json:"concept" validate:"notblank,max=200"`
	Explanation string `json:"explanation" validate:"notblank,max=4000"`
	BloomLevel  string `json:"bloomLevel,omitempty"`
}

func (h *Handler) handleQuiz(w http.ResponseWriter, r *http.Request) {
	var req quizRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	utils.RespondJSON(w, http.StatusOK, analysis.GenerateQuiz(req.Topic, req.Difficulty, req.NumQuestions))
}

func (h *Handler) handleUnderstanding(w http.ResponseWriter, r *http.Request) {
	var req understandingRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	var target analysis.Level
	if req.BloomLevel != "" {
		level, ok := analysis.ParseLevel(req.BloomLevel)
		if !ok {
			utils.RespondError(w, http.StatusBadRequest, "unknown bloom level")
			return
		}
		target = level
	}
	utils.RespondJSON(w, http.StatusOK, analysis.CheckUnderstanding(req.Concept, req.Explanation, target))
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, payload interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	err := validation.Struct(payload)
	if err == nil {
		return true
	}
	var verr *validation.Error
	if errors.As(err, &verr) {
		utils.RespondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "invalid request",
			"fields": verr.Fields,
		})
		return false
	}
	utils.RespondError(w, http.StatusBadRequest, err.Error())
	return false
}

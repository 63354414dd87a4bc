package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// refactModelRecord describes one model to the refact plugin.
type refactModelRecord struct {
	NCtx                int            `json:"n_ctx"`
	SupportsScratchpads map[string]any `json:"supports_scratchpads"`
	SupportsTools       bool           `json:"supports_tools"`
}

// handleRefactCaps serves GET /refact/coding_assistant_caps.json: the
// capability document the refact.ai plugin fetches on startup, pointing every
// endpoint back at the gateway.
func (m *Manager) handleRefactCaps() gin.HandlerFunc {
	return func(c *gin.Context) {
		base := publicBaseURL(c)

		completionModel := m.cfg.DefaultCompletionsModel
		chatModel := m.cfg.DefaultChatModel
		if m.cfg.EnforceModel != "" {
			completionModel = m.cfg.EnforceModel
			chatModel = m.cfg.EnforceModel
		}

		models := map[string]refactModelRecord{}
		for _, name := range []string{completionModel, chatModel} {
			record := refactModelRecord{
				NCtx:                8192,
				SupportsScratchpads: map[string]any{"REPLACE_PASSTHROUGH": map[string]any{}},
				SupportsTools:       name == chatModel,
			}
			if meta := m.lazyModelMeta(name)(); meta != nil {
				if n := meta.ContextLength(); n > 0 {
					record.NCtx = n
				}
			}
			models[name] = record
		}

		c.JSON(http.StatusOK, gin.H{
			"cloud_name":                        "ollamax",
			"endpoint_style":                    "openai",
			"endpoint_template":                 base + "/v1/completions",
			"endpoint_chat_passthrough":         base + "/v1/chat/completions",
			"telemetry_basic_dest":              base + "/refact/stats/telemetry-basic",
			"telemetry_corrected_snippets_dest": base + "/refact/stats/telemetry-snippets",
			"code_completion_default_model":     completionModel,
			"code_chat_default_model":           chatModel,
			"code_completion_n_ctx":             models[completionModel].NCtx,
			"running_models":                    []string{completionModel, chatModel},
			"code_completion_models":            models,
			"code_chat_models":                  models,
			"caps_version":                      0,
		})
	}
}

// handleRefactTelemetry answers the plugin's stats uploads. The gateway does
// not store them.
func (m *Manager) handleRefactTelemetry() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusNotImplemented, APIError{Detail: APIErrorDetail{
			Code:    "NotImplemented",
			Message: "Telemetry collection is not implemented",
		}})
	}
}

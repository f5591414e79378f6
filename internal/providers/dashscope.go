package providers

const (
	dashscopeDefaultBase  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeDefaultModel = "qwen3-max"
)

// NewDashScopeProvider configures the OpenAI-compatible client for Alibaba
// DashScope (Qwen models).
func NewDashScopeProvider(apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = dashscopeDefaultBase
	}
	if defaultModel == "" {
		defaultModel = dashscopeDefaultModel
	}
	return NewOpenAIProvider("dashscope", apiKey, apiBase, defaultModel)
}

package server

import "time"

// supportedModelIDs are the upstream models advertised on /v1/models. The
// proxy forwards any model name; this list only feeds client model pickers.
var supportedModelIDs = []string{
	"openai/gpt-oss-120b",
	"moonshotai/Kimi-K2-Instruct",
	"zai-org/GLM-4.5",
	"zai-org/GLM-4.5-Air",
	"Qwen/Qwen3-Coder-480B-A35B-Instruct-Turbo",
	"deepseek-ai/DeepSeek-R1-0528-Turbo",
	"deepseek-ai/DeepSeek-V3-0324-Turbo",
	"deepseek-ai/DeepSeek-V3.1",
	"meta-llama/Llama-4-Maverick-17B-128E-Instruct-Turbo",
}

type modelMetadata struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelsResponse struct {
	Object string          `json:"object"`
	Data   []modelMetadata `json:"data"`
}

func supportedModels(created time.Time) []modelMetadata {
	models := make([]modelMetadata, 0, len(supportedModelIDs))
	for _, id := range supportedModelIDs {
		models = append(models, modelMetadata{
			ID:      id,
			Object:  "model",
			Created: created.Unix(),
			OwnedBy: "deepinfra",
		})
	}
	return models
}

//go:build bedrock

package main

import (
	"log/slog"

	"mama-os/internal/adapter/llm"
	"mama-os/internal/domain"
	"mama-os/internal/infra/config"
)

func createBedrockProvider(pc config.ProviderConfig, log *slog.Logger) (domain.LLMProvider, error) {
	return llm.NewBedrockProvider(pc, log)
}

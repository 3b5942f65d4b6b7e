package factory

import (
	"fmt"

	"github.com/mikey/mailwatch/internal/adapters/bedrock"
	"github.com/mikey/mailwatch/internal/adapters/gemini"
	"github.com/mikey/mailwatch/internal/adapters/openai"
	"github.com/mikey/mailwatch/internal/config"
	"github.com/mikey/mailwatch/internal/core"
	"go.uber.org/zap"
)

// LLMFactory creates LLM clients
type LLMFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewLLMFactory creates a new LLM factory
func NewLLMFactory(cfg *config.Config, logger *zap.Logger) *LLMFactory {
	return &LLMFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateLLMClient creates a new LLM client based on the configuration.
// The "agent" provider returns a nil client: classification is then left
// to a surrounding agent, and the triage engine falls back to plain
// notifications when no sampling capability was negotiated.
func (f *LLMFactory) CreateLLMClient() (core.LLMClient, error) {
	llmConfig := f.cfg.GetLLM()

	switch llmConfig.Provider {
	case "bedrock":
		factory := bedrock.NewFactory(f.cfg, f.logger)
		return factory.CreateLLMClient()
	case "gemini":
		geminiCfg := f.cfg.GetGemini()
		if geminiCfg.APIKey == "" {
			return nil, fmt.Errorf("gemini API key is required")
		}
		factory := gemini.NewFactory(
			geminiCfg.APIKey,
			geminiCfg.ModelName,
			geminiCfg.MaxTokens,
			geminiCfg.Temperature,
			geminiCfg.TopP,
			f.logger,
		)
		return factory.CreateLLMClient()
	case "openai":
		openaiCfg := f.cfg.GetOpenAI()
		if openaiCfg.APIKey == "" {
			return nil, fmt.Errorf("openai API key is required")
		}
		factory := openai.NewFactory(f.cfg, f.logger)
		return factory.CreateLLMClient()
	case "agent":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", llmConfig.Provider)
	}
}

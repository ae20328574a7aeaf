package llm

import (
	"net/http"
	"time"

	"github.com/nonegit2301/mini-apartment/app/config"

	"github.com/samber/do"
	"github.com/samber/oops"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const requestTimeout = 30 * time.Second

// NewClient builds the chat model used by the filter extractor.
func NewClient(di *do.Injector) (llms.Model, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return New(cfg.Assistant)
}

func New(cfg config.Assistant) (llms.Model, error) {
	model, err := openai.New(
		openai.WithToken(cfg.Token),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithHTTPClient(&http.Client{
			Timeout: requestTimeout,
		}),
		openai.WithCallback(LogCallbackHandler{}),
	)
	if err != nil {
		return nil, oops.In("llm").With("model", cfg.Model).Wrapf(err, "failed to create model")
	}

	return model, nil
}

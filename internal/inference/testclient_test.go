package inference

import (
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

func newTestClient(baseURL string) openai.Client {
	return openai.NewClient(option.WithAPIKey("local"), option.WithBaseURL(baseURL+"/"))
}

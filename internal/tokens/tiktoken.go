package tokens

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	// Use the embedded BPE ranks rather than downloading them at runtime.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// FallbackEncoding is used for models tiktoken does not know.
const FallbackEncoding = "cl100k_base"

type tiktokenEncoder struct {
	tk *tiktoken.Tiktoken
}

func (e tiktokenEncoder) Count(text string) int {
	return len(e.tk.Encode(text, nil, nil))
}

// TiktokenFactory builds encoders with tiktoken. OpenAI model families
// get their own encoding; everything else counts with cl100k_base.
func TiktokenFactory(model string) (Encoder, error) {
	if strings.Contains(model, "gpt-4") || strings.Contains(model, "gpt-3.5") {
		name := model
		if strings.Contains(model, "gpt-4o") {
			name = "gpt-4o"
		}
		if tk, err := tiktoken.EncodingForModel(name); err == nil {
			return tiktokenEncoder{tk: tk}, nil
		}
	}
	tk, err := tiktoken.GetEncoding(FallbackEncoding)
	if err != nil {
		return nil, err
	}
	return tiktokenEncoder{tk: tk}, nil
}

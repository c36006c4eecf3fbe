package chat

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// estimateTokens returns an approximate token count for message metadata and
// request logs. cl100k_base is close enough across providers for accounting;
// billing-accurate counts come back in the provider's usage block.
func estimateTokens(text string) int {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	if codec == nil {
		// Rough heuristic when the encoding tables are unavailable.
		return (len(text) + 3) / 4
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

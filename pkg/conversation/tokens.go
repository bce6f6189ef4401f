package conversation

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tokenEncoder *tiktoken.Tiktoken
	encoderOnce  sync.Once
	encoderErr   error
)

// initTokenEncoder initializes the tiktoken encoder (lazy initialization)
func initTokenEncoder() error {
	encoderOnce.Do(func() {
		// cl100k_base covers the GPT-4 family and is a close enough proxy
		// for message-size accounting across providers.
		tokenEncoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoderErr
}

// CountTokens counts the tokens in text using tiktoken, falling back to the
// length/4 heuristic when the encoder is unavailable.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := initTokenEncoder(); err != nil {
		return estimateTokens(text)
	}
	return len(tokenEncoder.Encode(text, nil, nil))
}

// estimateTokens approximates tokens as one per four characters, minimum one.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

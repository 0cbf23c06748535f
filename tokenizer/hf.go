package tokenizer

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// HFTokenizer wraps a HuggingFace tokenizer.json file. It speaks the same
// interface as the binary BPE tokenizer so the engine does not care which
// one it was given.
type HFTokenizer struct {
	tk *tokenizers.Tokenizer
}

// NewHFTokenizer loads a tokenizer.json from path.
func NewHFTokenizer(path string) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load hf tokenizer %s: %w", path, err)
	}
	return &HFTokenizer{tk: tk}, nil
}

// Encode tokenizes text. bos/eos selects whether the tokenizer's special
// tokens are added; the HF backend handles both through one switch.
func (t *HFTokenizer) Encode(text string, bos, eos bool) ([]int, error) {
	ids, _ := t.tk.Encode(text, bos || eos)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

// Decode converts ids back to text, dropping special tokens.
func (t *HFTokenizer) Decode(ids []int) string {
	u := make([]uint32, len(ids))
	for i, id := range ids {
		u[i] = uint32(id)
	}
	return t.tk.Decode(u, true)
}

// DecodeToken returns the text piece for a single id.
func (t *HFTokenizer) DecodeToken(id int) string {
	return t.tk.Decode([]uint32{uint32(id)}, false)
}

// Close releases the native tokenizer handle.
func (t *HFTokenizer) Close() error {
	t.tk.Close()
	return nil
}

package tokenizer

import (
	"errors"
	"fmt"
	"os"

	"github.com/daulet/tokenizers"
)

var ErrTokenizer = errors.New("tokenizer error")

// HFTokenizer encodes prompts with a Hugging Face tokenizer.json into
// sequences of exactly maxLength ids. Long sequences are cut on the right and
// short ones padded on the right with padID.
type HFTokenizer struct {
	tk        *tokenizers.Tokenizer
	maxLength int
	padID     uint32
}

// Load reads a tokenizer.json from disk, or fetches it by model name from the
// Hugging Face hub when nameOrPath is not a local file. A maxLength of zero
// leaves sequence lengths untouched.
func Load(nameOrPath string, maxLength int, padID uint32) (*HFTokenizer, error) {
	if nameOrPath == "" {
		return nil, fmt.Errorf("%w: tokenizer path is required", ErrTokenizer)
	}
	if maxLength < 0 {
		return nil, fmt.Errorf("%w: invalid max length %d", ErrTokenizer, maxLength)
	}

	var tk *tokenizers.Tokenizer
	var err error
	if _, statErr := os.Stat(nameOrPath); statErr == nil {
		tk, err = tokenizers.FromFile(nameOrPath)
	} else {
		tk, err = tokenizers.FromPretrained(nameOrPath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load tokenizer %s: %w", ErrTokenizer, nameOrPath, err)
	}

	return &HFTokenizer{tk: tk, maxLength: maxLength, padID: padID}, nil
}

func (t *HFTokenizer) Encode(text string) ([]uint32, error) {
	enc := t.tk.EncodeWithOptions(text, true, tokenizers.WithReturnSpecialTokensMask())
	return fitLength(enc.IDs, enc.SpecialTokensMask, t.maxLength, t.padID), nil
}

func (t *HFTokenizer) Close() error {
	return t.tk.Close()
}

// fitLength pads or right-truncates ids to maxLength. Trailing special
// tokens (mask value 1), such as an end-of-text marker, survive truncation.
func fitLength(ids, specialMask []uint32, maxLength int, padID uint32) []uint32 {
	if maxLength <= 0 {
		return ids
	}
	out := make([]uint32, maxLength)
	if len(ids) > maxLength {
		tail := 0
		for i := len(ids) - 1; i >= 0 && i < len(specialMask) && specialMask[i] == 1 && tail < maxLength-1; i-- {
			tail++
		}
		copy(out, ids[:maxLength-tail])
		copy(out[maxLength-tail:], ids[len(ids)-tail:])
		return out
	}
	n := copy(out, ids)
	for i := n; i < maxLength; i++ {
		out[i] = padID
	}
	return out
}

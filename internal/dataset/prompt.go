package dataset

import (
	"path/filepath"
	"strings"
)

var captionCutoffs = []string{"upscaled by", "upscaled beta"}

// CaptionFromFilename turns an image filename into a caption: the stem with
// underscores as spaces, cut at the first upscaler marker, trailing spaces
// trimmed.
func CaptionFromFilename(filename string) string {
	base := filepath.Base(filename)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}

	caption := strings.ReplaceAll(stem, "_", " ")
	for _, cutoff := range captionCutoffs {
		caption, _, _ = strings.Cut(caption, cutoff)
	}
	return strings.TrimRight(caption, " ")
}

type PromptOptions struct {
	InstancePrompt string
	UseCaptions    bool
	Prepend        bool
}

// DerivePrompt is a pure function of the filename and the options.
func DerivePrompt(filename string, opts PromptOptions) string {
	if !opts.UseCaptions {
		return opts.InstancePrompt
	}

	caption := CaptionFromFilename(filename)
	if opts.Prepend {
		return opts.InstancePrompt + " " + caption
	}
	return caption
}

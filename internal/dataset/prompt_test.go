package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCaptionFromFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     string
	}{
		{name: "upscaled by", filename: "my_cat_upscaled_by_2x.png", want: "my cat"},
		{name: "plain", filename: "plain_name.jpg", want: "plain name"},
		{name: "upscaled beta", filename: "a_dog_upscaled_beta_v2.webp", want: "a dog"},
		{name: "earliest marker wins", filename: "x_upscaled_beta_then_upscaled_by.png", want: "x"},
		{name: "directory is dropped", filename: "/data/sub/red_car.jpeg", want: "red car"},
		{name: "only last extension removed", filename: "photo.final.png", want: "photo.final"},
		{name: "no extension", filename: "just_a_name", want: "just a name"},
		{name: "hidden file", filename: ".hidden", want: ".hidden"},
		{name: "marker only", filename: "upscaled_by_4.png", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CaptionFromFilename(tt.filename))
		})
	}
}

func TestDerivePrompt(t *testing.T) {
	file := "/data/my_cat_upscaled_by_2x.png"

	assert.Equal(t, "my cat", DerivePrompt(file, PromptOptions{InstancePrompt: "sks", UseCaptions: true}))
	assert.Equal(t, "sks my cat", DerivePrompt(file, PromptOptions{InstancePrompt: "sks", UseCaptions: true, Prepend: true}))
	assert.Equal(t, "sks", DerivePrompt(file, PromptOptions{InstancePrompt: "sks"}))
	assert.Equal(t, "sks", DerivePrompt(file, PromptOptions{InstancePrompt: "sks", Prepend: true}))
}

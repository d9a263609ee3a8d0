package soniox

import "node.town/babelfish/audio"

const (
	DefaultURL   = "wss://stt-rt.soniox.com/transcribe-websocket"
	DefaultModel = "stt-rt-v3"
)

type TranslationConfig struct {
	Type           string `json:"type"`
	TargetLanguage string `json:"target_language"`
}

// Config is the first message on every connection.
type Config struct {
	APIKey          string             `json:"api_key"`
	AudioFormat     string             `json:"audio_format"`
	SampleRate      int                `json:"sample_rate"`
	NumChannels     int                `json:"num_channels"`
	IncludeNonfinal bool               `json:"include_nonfinal"`
	Model           string             `json:"model"`
	Translation     *TranslationConfig `json:"translation,omitempty"`
}

// NewConfig builds a one-way translation config for 16 kHz mono PCM.
func NewConfig(apiKey, model, targetCode string) Config {
	if model == "" {
		model = DefaultModel
	}
	return Config{
		APIKey:          apiKey,
		AudioFormat:     audio.Format,
		SampleRate:      audio.SampleRate,
		NumChannels:     audio.NumChannels,
		IncludeNonfinal: true,
		Model:           model,
		Translation: &TranslationConfig{
			Type:           "one_way",
			TargetLanguage: targetCode,
		},
	}
}

type TranslationStatus string

const (
	StatusOriginal    TranslationStatus = "original"
	StatusTranslation TranslationStatus = "translation"
	StatusNone        TranslationStatus = "none"
)

type Token struct {
	Text              string            `json:"text"`
	TranslationStatus TranslationStatus `json:"translation_status,omitempty"`
	IsFinal           bool              `json:"is_final"`
	Language          string            `json:"language,omitempty"`
	SourceLanguage    string            `json:"source_language,omitempty"`
}

type Response struct {
	Tokens       []Token `json:"tokens"`
	Finished     bool    `json:"finished,omitempty"`
	ErrorCode    *int    `json:"error_code,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

package soniox

import (
	"fmt"
	"time"

	"github.com/MrWong99/glassline/pkg/provider/stt"
)

// Marker tokens Soniox inserts into the token stream.
const (
	endToken = "<end>"
	finToken = "<fin>"
)

// startRequest is the first message on a new connection.
type startRequest struct {
	APIKey                       string   `json:"api_key"`
	Model                        string   `json:"model"`
	AudioFormat                  string   `json:"audio_format"`
	SampleRate                   int      `json:"sample_rate"`
	NumChannels                  int      `json:"num_channels"`
	LanguageHints                []string `json:"language_hints,omitempty"`
	EnableLanguageIdentification bool     `json:"enable_language_identification"`
	EnableSpeakerDiarization     bool     `json:"enable_speaker_diarization"`
	EnableEndpointDetection      bool     `json:"enable_endpoint_detection"`
	ClientReferenceID            string   `json:"client_reference_id,omitempty"`
}

// controlMessage is a text control frame such as finalize or keepalive.
type controlMessage struct {
	Type string `json:"type"`
}

type token struct {
	Text       string  `json:"text"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
	Speaker    string  `json:"speaker"`
	Language   string  `json:"language"`
}

// response is one recognition update from the server.
type response struct {
	Tokens           []token `json:"tokens"`
	FinalAudioProcMs int64   `json:"final_audio_proc_ms"`
	TotalAudioProcMs int64   `json:"total_audio_proc_ms"`
	Finished         bool    `json:"finished"`
	ErrorCode        int     `json:"error_code"`
	ErrorMessage     string  `json:"error_message"`
}

func (r response) err() error {
	if r.ErrorCode == 0 && r.ErrorMessage == "" {
		return nil
	}
	return fmt.Errorf("soniox: error %d: %s", r.ErrorCode, r.ErrorMessage)
}

func (t token) toToken() stt.Token {
	return stt.Token{
		Text:       t.Text,
		Speaker:    t.Speaker,
		Language:   t.Language,
		Confidence: t.Confidence,
		Start:      time.Duration(t.StartMs) * time.Millisecond,
		End:        time.Duration(t.EndMs) * time.Millisecond,
		IsFinal:    t.IsFinal,
	}
}

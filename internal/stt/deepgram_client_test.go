package stt

import (
	"errors"
	"testing"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	"github.com/rs/zerolog"
)

func newTestClient() *DeepgramClient {
	return NewDeepgramClient(Options{Model: "nova-2-phonecall", Language: "en", EndpointingMs: 300, ReplayBytes: 16}, nil, nil, zerolog.Nop())
}

func results(text string, isFinal, speechFinal bool) *msginterfaces.MessageResponse {
	return &msginterfaces.MessageResponse{
		Type:        "Results",
		IsFinal:     isFinal,
		SpeechFinal: speechFinal,
		Channel: msginterfaces.Channel{
			Alternatives: []msginterfaces.Alternative{{Transcript: text, Confidence: 0.92}},
		},
	}
}

func TestHandleDeepgramMessage(t *testing.T) {
	d := newTestClient()

	d.handleDeepgramMessage(results("wait", false, false))
	d.handleDeepgramMessage(results("yes, that works", true, true))
	d.handleDeepgramMessage(results("", false, false))
	d.handleDeepgramMessage(results("", true, true))
	d.handleDeepgramMessage(&msginterfaces.MessageResponse{Type: "Metadata"})
	d.handleDeepgramMessage(nil)

	want := []TranscriptionResult{
		{Text: "wait"},
		{Text: "yes, that works", IsFinal: true, SpeechFinal: true},
		{Text: "", IsFinal: true, SpeechFinal: true},
	}
	ch := d.GetTranscription()
	if len(ch) != len(want) {
		t.Fatalf("Expected %d results, got %d", len(want), len(ch))
	}
	for i, w := range want {
		got := <-ch
		if got.Text != w.Text || got.IsFinal != w.IsFinal || got.SpeechFinal != w.SpeechFinal {
			t.Errorf("result %d: expected %+v, got %+v", i, w, *got)
		}
	}
}

func TestTranscriptionOptions(t *testing.T) {
	opts := newTestClient().transcriptionOptions()

	if opts.Encoding != "mulaw" || opts.SampleRate != 8000 || opts.Channels != 1 {
		t.Errorf("Expected 8kHz mono mulaw, got %s/%d/%d", opts.Encoding, opts.SampleRate, opts.Channels)
	}
	if opts.Endpointing != "300" {
		t.Errorf("Expected endpointing 300, got %q", opts.Endpointing)
	}
	if !opts.InterimResults {
		t.Error("Expected interim results")
	}
	if opts.Model != "nova-2-phonecall" || opts.Language != "en" {
		t.Errorf("Unexpected model/language %s/%s", opts.Model, opts.Language)
	}
}

func TestSendAudio_NotStarted(t *testing.T) {
	d := newTestClient()
	if err := d.SendAudio([]byte{0xFF}); !errors.Is(err, ErrNotActive) {
		t.Errorf("Expected ErrNotActive, got %v", err)
	}
}

func TestSendAudio_BuffersWhileReconnecting(t *testing.T) {
	d := newTestClient()
	d.reconnecting = true

	for i := 0; i < 5; i++ {
		if err := d.SendAudio([]byte{byte(i), byte(i), byte(i), byte(i)}); err != nil {
			t.Fatalf("Expected buffered send to succeed, got %v", err)
		}
	}
	// replay keeps the newest 16 bytes
	got := d.replay.Snapshot()
	if len(got) != 16 || got[0] != 1 || got[15] != 4 {
		t.Errorf("Unexpected replay buffer %v", got)
	}
}

func TestStopAndClose_Idempotent(t *testing.T) {
	d := newTestClient()
	if err := d.Stop(); err != nil {
		t.Errorf("Stop on idle client failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := d.Start(); err == nil {
		t.Error("Expected Start after Close to fail")
	}
}

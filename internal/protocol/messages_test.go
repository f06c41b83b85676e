package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageAudioFrame(t *testing.T) {
	raw := []byte(`{"type":"client_audio_frame","session_id":"s1","seq":1,"pcm16_base64":"AQID","sample_rate":48000}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	frame, ok := msg.(ClientAudioFrame)
	if !ok {
		t.Fatalf("message type = %T, want ClientAudioFrame", msg)
	}
	if frame.SessionID != "s1" || frame.SampleRate != 48000 || frame.Seq != 1 {
		t.Fatalf("unexpected audio frame: %+v", frame)
	}
}

func TestParseClientMessageRejectsIncompleteFrame(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_audio_frame","session_id":"s1","pcm16_base64":"AQID"}`))
	if err == nil {
		t.Fatalf("ParseClientMessage() expected error for missing sample_rate")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsGarbage(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{not json`))
	if err == nil || errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want envelope error", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"capture_ready","sample_rate":44100}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionCaptureReady || control.SampleRate != 44100 {
		t.Fatalf("unexpected client control: %+v", control)
	}
}

func TestParseClientMessagePlaybackEnded(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"playback_ended","clip_id":"c-1"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	control := msg.(ClientControl)
	if control.ClipID != "c-1" {
		t.Fatalf("ClipID = %q, want %q", control.ClipID, "c-1")
	}
}

func TestParseClientMessageControlRequiresAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_control","session_id":"s1"}`))
	if err == nil {
		t.Fatalf("ParseClientMessage() expected error for missing action")
	}
}

func TestMessageTypeOf(t *testing.T) {
	if got := MessageTypeOf(Signal{Type: TypeSignal}); got != "signal" {
		t.Fatalf("MessageTypeOf(Signal) = %q", got)
	}
	if got := MessageTypeOf(42); got != "unknown" {
		t.Fatalf("MessageTypeOf(int) = %q", got)
	}
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioFrame MessageType = "client_audio_frame"
	TypeClientControl    MessageType = "client_control"

	TypeCaptureRequest MessageType = "capture_request"
	TypeCaptureRelease MessageType = "capture_release"
	TypeStateChange    MessageType = "state_change"
	TypeSignal         MessageType = "signal"
	TypeUserTranscript MessageType = "user_transcript"
	TypeAssistantReply MessageType = "assistant_reply"
	TypeAssistantAudio MessageType = "assistant_audio"
	TypePlaybackStop   MessageType = "playback_stop"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Client control actions.
const (
	ActionConnect         = "connect"
	ActionDisconnect      = "disconnect"
	ActionToggle          = "toggle"
	ActionCaptureReady    = "capture_ready"
	ActionCaptureDenied   = "capture_denied"
	ActionCaptureEnded    = "capture_ended"
	ActionPlaybackStarted = "playback_started"
	ActionPlaybackEnded   = "playback_ended"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioFrame is one block of microphone samples as PCM16 little-endian mono.
type ClientAudioFrame struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
}

type ClientControl struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Action     string      `json:"action"`
	ClipID     string      `json:"clip_id,omitempty"`
	SampleRate int         `json:"sample_rate,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

// CaptureConstraints mirrors the browser's getUserMedia audio constraints.
type CaptureConstraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
	SampleRate       int  `json:"sample_rate"`
	ChannelCount     int  `json:"channel_count"`
	FrameSize        int  `json:"frame_size"`
}

type CaptureRequest struct {
	Type        MessageType        `json:"type"`
	SessionID   string             `json:"session_id"`
	Constraints CaptureConstraints `json:"constraints"`
}

type CaptureRelease struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type StateChange struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
}

type Signal struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Signal    string      `json:"signal"`
}

type UserTranscript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type AssistantReply struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type AssistantAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	ClipID      string      `json:"clip_id"`
	MIMEType    string      `json:"mime_type"`
	AudioBase64 string      `json:"audio_base64"`
}

type PlaybackStop struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ClipID    string      `json:"clip_id"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioFrame:
		var msg ClientAudioFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_frame")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// MessageTypeOf returns the type tag of an outbound message for metrics.
func MessageTypeOf(msg any) string {
	switch m := msg.(type) {
	case CaptureRequest:
		return string(m.Type)
	case CaptureRelease:
		return string(m.Type)
	case StateChange:
		return string(m.Type)
	case Signal:
		return string(m.Type)
	case UserTranscript:
		return string(m.Type)
	case AssistantReply:
		return string(m.Type)
	case AssistantAudio:
		return string(m.Type)
	case PlaybackStop:
		return string(m.Type)
	case SystemEvent:
		return string(m.Type)
	case ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}

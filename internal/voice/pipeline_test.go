package voice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicetutor/internal/audio"
	"github.com/ent0n29/voicetutor/internal/dialogue"
	"github.com/ent0n29/voicetutor/internal/observability"
	"github.com/ent0n29/voicetutor/internal/reliability"
)

func testUtterance(t *testing.T, level float32, samples int) Utterance {
	t.Helper()
	r := NewRecorder(PCM16, 100*time.Millisecond)
	require.True(t, r.Start())
	require.True(t, r.Append(frameAt(level, samples, 0)))
	utt, ok := r.End()
	require.True(t, ok)
	return utt
}

func TestPipelineTranscribeSendsCanonicalWAV(t *testing.T) {
	stt := &stubTranscriber{fn: func(context.Context, int) (string, error) { return "  me llamo Ana  ", nil }}
	p := NewPipeline(PipelineConfig{}, stt, &stubDialogue{}, &stubSynthesizer{}, nil)

	utt := testUtterance(t, 0.5, 9600)
	text, err := p.Transcribe(context.Background(), utt)
	require.NoError(t, err)
	assert.Equal(t, "me llamo Ana", text)

	require.Len(t, stt.audio, 1)
	assert.Equal(t, []string{"wav"}, stt.formats)
	hdr, pcm, err := audio.DecodeWAV(stt.audio[0])
	require.NoError(t, err)
	assert.EqualValues(t, 1, hdr.NumChannels)
	assert.EqualValues(t, 16, hdr.BitsPerSample)
	assert.EqualValues(t, testRate, hdr.SampleRate)
	assert.Len(t, pcm, 9600*2)
}

func TestPipelineBlankTranscriptIsEmptyUtterance(t *testing.T) {
	stt := &stubTranscriber{fn: func(context.Context, int) (string, error) { return " \n", nil }}
	p := NewPipeline(PipelineConfig{}, stt, &stubDialogue{}, &stubSynthesizer{}, nil)

	_, err := p.Transcribe(context.Background(), testUtterance(t, 0.2, 4800))
	assert.ErrorIs(t, err, ErrEmptyUtterance)
}

func TestPipelineWrapsProviderFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWithRegistry("test", reg)
	stt := &stubTranscriber{fn: func(context.Context, int) (string, error) {
		return "", &reliability.StatusError{Service: "stt", StatusCode: 503}
	}}
	p := NewPipeline(PipelineConfig{}, stt, &stubDialogue{}, &stubSynthesizer{}, metrics)

	_, err := p.Transcribe(context.Background(), testUtterance(t, 0.2, 4800))
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageTranscribe, se.Stage)
	assert.True(t, se.Retryable)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProviderErrors.WithLabelValues("transcribe", "true")))
	assert.Equal(t, "The service is busy right now. Please try again in a moment.", userMessage(err))
}

func TestPipelineStepTimeout(t *testing.T) {
	d := &stubDialogue{fn: func(ctx context.Context, _ dialogue.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	p := NewPipeline(PipelineConfig{StepTimeout: 20 * time.Millisecond}, &stubTranscriber{}, d, &stubSynthesizer{}, nil)

	start := time.Now()
	_, err := p.Reply(context.Background(), "s1", nil, "hola")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageDialogue, se.Stage)
	assert.True(t, se.Retryable)
}

func TestPipelineReplyCarriesPersonaParamsAndHistory(t *testing.T) {
	d := &stubDialogue{}
	p := NewPipeline(PipelineConfig{SystemPrompt: "You are a tutor.", HistoryTurns: 2}, &stubTranscriber{}, d, &stubSynthesizer{}, nil)

	prior := []Turn{
		{Role: RoleAssistant, Text: "Hi! I'm your AI language tutor."},
		{Role: RoleUser, Text: "uno"},
		{Role: RoleAssistant, Text: "dos"},
	}
	reply, err := p.Reply(context.Background(), "s1", prior, "tres")
	require.NoError(t, err)
	assert.Equal(t, "reply to tres", reply)

	reqs := d.Requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "You are a tutor.", req.SystemPrompt)
	assert.Equal(t, dialogue.DefaultParams(), req.Params)
	assert.Equal(t, []dialogue.Message{
		{Role: dialogue.RoleUser, Content: "uno"},
		{Role: dialogue.RoleAssistant, Content: "dos"},
	}, req.History)
}

func TestPipelineEmptyReplyIsServiceError(t *testing.T) {
	d := &stubDialogue{fn: func(context.Context, dialogue.Request) (string, error) { return "   ", nil }}
	p := NewPipeline(PipelineConfig{}, &stubTranscriber{}, d, &stubSynthesizer{}, nil)

	_, err := p.Reply(context.Background(), "s1", nil, "hola")
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, dialogue.ErrEmptyReply)
	assert.False(t, se.Retryable)
	assert.Equal(t, "Failed to process voice input. Please try again.", userMessage(err))
}

func TestPipelineSynthesizeAssignsClipID(t *testing.T) {
	tts := &stubSynthesizer{}
	p := NewPipeline(PipelineConfig{VoiceID: "alloy"}, &stubTranscriber{}, &stubDialogue{}, tts, nil)

	a, err := p.Synthesize(context.Background(), "hola")
	require.NoError(t, err)
	b, err := p.Synthesize(context.Background(), "adiós")
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "hola", a.Text)
	assert.Equal(t, []string{"alloy", "alloy"}, tts.voice)
}

func TestPipelineSynthesizeRejectsSilentResult(t *testing.T) {
	tts := &stubSynthesizer{fn: func(context.Context, string) (Clip, error) { return Clip{}, nil }}
	p := NewPipeline(PipelineConfig{}, &stubTranscriber{}, &stubDialogue{}, tts, nil)

	_, err := p.Synthesize(context.Background(), "hola")
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageSynthesize, se.Stage)
}

func TestPipelineForSessionOverridesVoiceAndLanguage(t *testing.T) {
	tts := &stubSynthesizer{}
	d := &stubDialogue{}
	base := NewPipeline(PipelineConfig{SystemPrompt: "Tutor.", VoiceID: "alloy"}, &stubTranscriber{}, d, tts, nil)

	p := base.ForSession("nova", "Italian")
	_, err := p.Synthesize(context.Background(), "ciao")
	require.NoError(t, err)
	_, err = p.Reply(context.Background(), "s1", nil, "ciao")
	require.NoError(t, err)

	assert.Equal(t, []string{"nova"}, tts.voice)
	assert.Contains(t, d.Requests()[0].SystemPrompt, "Italian")

	_, err = base.Synthesize(context.Background(), "ciao")
	require.NoError(t, err)
	assert.Equal(t, "alloy", tts.voice[1], "the shared pipeline is not modified")
}

func TestUserMessageForUnknownError(t *testing.T) {
	assert.Equal(t, "Failed to process voice input. Please try again.", userMessage(errors.New("boom")))
}

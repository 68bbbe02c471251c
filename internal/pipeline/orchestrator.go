package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luminakids/lumina/domain/entities"
	"github.com/luminakids/lumina/domain/repositories"
)

// Request carries one finalized utterance into the pipeline.
type Request struct {
	UtteranceID string
	DeviceID    string
	Toy         *entities.ToyConfig
	Audio       []byte
	Format      repositories.AudioConfig
}

// Result is what the gateway streams back to the device. Every
// completed utterance yields a result; stage failures degrade into a
// fallback reply instead of an error.
type Result struct {
	Transcript string
	ReplyText  string
	ReplyAudio []byte
	Fallback   bool
	PreCheck   *entities.SafetyVerdict
	PostCheck  *entities.SafetyVerdict
	Elapsed    time.Duration
}

// Orchestrator sequences one utterance through transcription, safety
// checks, reply generation, and speech synthesis. It is strictly
// sequential per utterance; concurrency is across utterances, managed
// by the caller.
type Orchestrator struct {
	stt    repositories.SpeechToText
	llm    repositories.LargeLanguageModel
	tts    repositories.TextToSpeech
	safety repositories.SafetyChecker
	store  repositories.Store
	policy Policy

	historyTurns int
	language     string
	logger       *zap.Logger
}

// Options tunes orchestration outside the retry policy. Zero values
// select the defaults.
type Options struct {
	// HistoryTurns is how many recent turns feed the language model.
	HistoryTurns int
	// Language is the transcription language used when the toy does
	// not carry its own.
	Language string
}

const defaultHistoryTurns = 10

// New creates an orchestrator.
func New(
	stt repositories.SpeechToText,
	llm repositories.LargeLanguageModel,
	tts repositories.TextToSpeech,
	safety repositories.SafetyChecker,
	store repositories.Store,
	policy Policy,
	opts Options,
	logger *zap.Logger,
) *Orchestrator {
	historyTurns := opts.HistoryTurns
	if historyTurns <= 0 {
		historyTurns = defaultHistoryTurns
	}
	return &Orchestrator{
		stt:          stt,
		llm:          llm,
		tts:          tts,
		safety:       safety,
		store:        store,
		policy:       policy,
		historyTurns: historyTurns,
		language:     opts.Language,
		logger:       logger,
	}
}

// Run processes one utterance end to end. It returns an error only on
// cancellation; service failures are absorbed into a fallback result
// so the device always receives a spoken reply.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	res := &Result{}

	transcript, err := o.transcribe(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Warn("Transcription failed, using fallback reply",
			zap.String("deviceID", req.DeviceID),
			zap.String("utteranceID", req.UtteranceID),
			zap.Error(err))
		return o.finish(ctx, req, res, FallbackText, true, started)
	}
	res.Transcript = transcript

	if req.Toy.Restricted {
		verdict, err := o.check(ctx, transcript)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.logger.Warn("Safety check unavailable, substituting fallback",
				zap.String("deviceID", req.DeviceID),
				zap.Error(err))
			return o.finish(ctx, req, res, FallbackText, true, started)
		}
		res.PreCheck = &verdict
		if !verdict.Passed {
			o.alert(req, "transcript", transcript, verdict.Reason)
			return o.finish(ctx, req, res, RedirectText, false, started)
		}
	}

	reply, err := o.generate(ctx, req, transcript)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Warn("Reply generation failed, using fallback reply",
			zap.String("deviceID", req.DeviceID),
			zap.Error(err))
		return o.finish(ctx, req, res, FallbackText, true, started)
	}

	if req.Toy.Restricted {
		verdict, err := o.check(ctx, reply)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.logger.Warn("Post-reply safety check unavailable, substituting fallback",
				zap.String("deviceID", req.DeviceID),
				zap.Error(err))
			return o.finish(ctx, req, res, FallbackText, true, started)
		}
		res.PostCheck = &verdict
		if !verdict.Passed {
			o.alert(req, "reply", reply, verdict.Reason)
			return o.finish(ctx, req, res, RedirectText, false, started)
		}
	}

	return o.finish(ctx, req, res, reply, false, started)
}

// finish synthesizes the final reply text, persists the turn, and
// assembles the result. It is shared by the normal, redirect, and
// fallback paths.
func (o *Orchestrator) finish(ctx context.Context, req Request, res *Result, reply string, fallback bool, started time.Time) (*Result, error) {
	res.ReplyText = reply
	res.Fallback = fallback

	audio, err := o.synthesize(ctx, req, reply)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Warn("Speech synthesis failed, sending local chime",
			zap.String("deviceID", req.DeviceID),
			zap.Error(err))
		res.Fallback = true
		audio = FallbackAudio(req.Format.SampleRate)
	}
	res.ReplyAudio = audio
	res.Elapsed = time.Since(started)

	o.persist(req, res)
	return res, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, req Request) (string, error) {
	format := req.Format
	if format.Language == "" {
		format.Language = o.language
	}

	var transcript string
	err := o.policy.call(ctx, func(ctx context.Context) error {
		var err error
		transcript, err = o.stt.Transcribe(ctx, req.Audio, format)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("speech to text: %w", err)
	}
	return transcript, nil
}

func (o *Orchestrator) check(ctx context.Context, text string) (entities.SafetyVerdict, error) {
	var verdict entities.SafetyVerdict
	err := o.policy.call(ctx, func(ctx context.Context) error {
		var err error
		verdict, err = o.safety.Check(ctx, text, repositories.SafetyLevelChild)
		return err
	})
	if err != nil {
		return entities.SafetyVerdict{}, fmt.Errorf("safety check: %w", err)
	}
	return verdict, nil
}

func (o *Orchestrator) generate(ctx context.Context, req Request, transcript string) (string, error) {
	history := o.history(ctx, req.DeviceID)

	var reply string
	err := o.policy.call(ctx, func(ctx context.Context) error {
		var err error
		reply, err = o.llm.Generate(ctx, history, transcript, req.Toy.Persona)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("reply generation: %w", err)
	}
	return reply, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, req Request, text string) ([]byte, error) {
	var audio []byte
	err := o.policy.call(ctx, func(ctx context.Context) error {
		var err error
		audio, err = o.tts.Synthesize(ctx, text, req.Toy.VoiceID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis: %w", err)
	}
	return audio, nil
}

// history loads recent turns for LLM context. A store failure here is
// not fatal; the reply is just generated without history.
func (o *Orchestrator) history(ctx context.Context, deviceID string) []repositories.ChatMessage {
	turns, err := o.store.RecentTurns(ctx, deviceID, o.historyTurns)
	if err != nil {
		o.logger.Warn("Failed to load conversation history",
			zap.String("deviceID", deviceID),
			zap.Error(err))
		return nil
	}
	history := make([]repositories.ChatMessage, 0, 2*len(turns))
	for _, t := range turns {
		history = append(history,
			repositories.ChatMessage{Role: repositories.UserRole, Content: t.UserInput},
			repositories.ChatMessage{Role: repositories.ToyRole, Content: t.ToyResponse},
		)
	}
	return history
}

// alert emits exactly one moderation alert for a blocked check.
func (o *Orchestrator) alert(req Request, stage, content, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alert := &entities.ModerationAlert{
		ID:        uuid.NewString(),
		DeviceID:  req.DeviceID,
		ToyID:     req.Toy.ID,
		Stage:     stage,
		Content:   content,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	if err := o.store.AppendModerationAlert(ctx, alert); err != nil {
		o.logger.Error("Failed to append moderation alert",
			zap.String("deviceID", req.DeviceID),
			zap.Error(err))
	}
	o.logger.Info("Moderation alert emitted",
		zap.String("deviceID", req.DeviceID),
		zap.String("stage", stage),
		zap.String("reason", reason))
}

// persist records the turn. Uses a background context so a cancelled
// utterance that already produced a reply is still recorded.
func (o *Orchestrator) persist(req Request, res *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	turn := &entities.ConversationTurn{
		ID:          req.UtteranceID,
		DeviceID:    req.DeviceID,
		ToyID:       req.Toy.ID,
		UserInput:   res.Transcript,
		ToyResponse: res.ReplyText,
		Fallback:    res.Fallback,
		PreCheck:    res.PreCheck,
		PostCheck:   res.PostCheck,
		DurationMs:  res.Elapsed.Milliseconds(),
		Timestamp:   time.Now(),
	}
	if err := o.store.AppendTurn(ctx, turn); err != nil {
		o.logger.Error("Failed to persist conversation turn",
			zap.String("deviceID", req.DeviceID),
			zap.String("utteranceID", req.UtteranceID),
			zap.Error(err))
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/teslashibe/parley/internal/config"
	"github.com/teslashibe/parley/internal/log"
	"github.com/teslashibe/parley/internal/metrics"
	"github.com/teslashibe/parley/pkg/inference"
	"github.com/teslashibe/parley/pkg/intent"
	"github.com/teslashibe/parley/pkg/playback"
	"github.com/teslashibe/parley/pkg/pool"
	"github.com/teslashibe/parley/pkg/reply"
	"github.com/teslashibe/parley/pkg/respond"
	"github.com/teslashibe/parley/pkg/rtpio"
	"github.com/teslashibe/parley/pkg/stt"
	"github.com/teslashibe/parley/pkg/synth"
	"github.com/teslashibe/parley/pkg/tts"
	"github.com/teslashibe/parley/pkg/voice"
)

// app holds the long-lived components and closes them in reverse order.
type app struct {
	manager *voice.Manager
	closers []func() error
}

func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("shutdown", "error", err)
	}
}

func build(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	creds := make([]pool.Credential, 0, len(cfg.Pool.Credentials))
	for _, c := range cfg.Pool.Credentials {
		limits := make(map[pool.Capability]int, len(c.Limits))
		for capability, n := range c.Limits {
			limits[pool.Capability(capability)] = n
		}
		creds = append(creds, pool.Credential{ID: c.ID, Key: c.Key, Limits: limits})
	}
	credPool, err := pool.New(creds,
		pool.WithErrorThreshold(cfg.Pool.ErrorThreshold),
		pool.WithCooldown(cfg.Pool.Cooldown),
		pool.WithBand(cfg.Pool.Band),
		pool.WithLogger(log.L()),
		pool.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, credPool.Close)

	speech := stt.NewClient(
		stt.WithURL(cfg.Speech.ListenURL),
		stt.WithModel(cfg.Speech.Model),
		stt.WithLogger(log.L()),
	)

	speaker, err := newSpeaker(cfg.Speech)
	if err != nil {
		return nil, err
	}

	llm, err := newLLM(cfg.Inference)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, llm.Close)

	gateOpts := []intent.Option{
		intent.WithAgentName(cfg.Agent.Name),
		intent.WithAliases(cfg.Agent.Aliases...),
		intent.WithCacheTTL(cfg.Timing.DecisionTTL),
		intent.WithLogger(log.L()),
		intent.WithMetrics(m),
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		gateOpts = append(gateOpts, intent.WithCache(intent.NewRedisCache(client, cfg.Redis.Prefix)))
		log.Info("decision cache", "backend", "redis", "addr", cfg.Redis.Addr)
	}
	if cfg.Inference.UseClassifier {
		cl := intent.NewLLMClassifier(llm, cfg.Agent.Name)
		cl.Model = cfg.Inference.ClassifierModel
		gateOpts = append(gateOpts, intent.WithClassifier(cl))
	}
	gate, err := intent.New(gateOpts...)
	if err != nil {
		return nil, err
	}

	gen, err := newGenerator(cfg, llm)
	if err != nil {
		return nil, err
	}

	if cfg.RTP.SinkAddr == "" {
		return nil, errors.New("rtp.sink_addr is required")
	}
	sinks := voice.SinkFactoryFunc(func(string) (playback.Sink, error) {
		return rtpio.Dial(cfg.RTP.SinkAddr,
			rtpio.WithSSRC(cfg.RTP.SSRC),
			rtpio.WithSinkLogger(log.L()),
		)
	})

	deps := voice.Dependencies{
		Pool:      credPool,
		Speech:    speech,
		Voice:     speaker,
		Gate:      gate,
		Generator: gen,
		Directory: directory(cfg.RTP),
		Sinks:     sinks,
	}
	if cfg.Mirror.Enabled {
		deps.Mirror = voice.LogMirror{Logger: log.Component("mirror")}
	}

	manager, err := voice.New(deps,
		voice.WithAgentName(cfg.Agent.Name),
		voice.WithSilenceTimeout(cfg.Timing.SilenceTimeout),
		voice.WithStreamOptions(stt.Options{
			SampleRate: cfg.Speech.SampleRate,
			Channels:   1,
			Language:   cfg.Speech.Language,
		}),
		voice.WithDebounce(cfg.Timing.Debounce),
		voice.WithQuestionWindow(cfg.Timing.QuestionWindow),
		voice.WithMirrorRate(cfg.Mirror.PerSecond, cfg.Mirror.Burst),
		voice.WithRespondOptions(
			respond.WithPacing(cfg.Timing.PacingCooldown, cfg.Timing.PauseMin, cfg.Timing.PauseMax),
			respond.WithTicketTimeout(cfg.Timing.TicketTimeout),
			respond.WithApology(cfg.Agent.Apology),
		),
		voice.WithSynthOptions(synth.WithSpeakingRate(cfg.Synthesis.SpeakingRate)),
		voice.WithLogger(log.L()),
		voice.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	a.manager = manager
	a.closers = append(a.closers, manager.Close)

	ok = true
	return a, nil
}

// newLLM builds the inference backend shared by the reply generator and the
// classifier. Each endpoint makes a single HTTP attempt; the primary is
// followed by the configured fallbacks. Retries belong to the generator.
func newLLM(c config.InferenceConfig) (inference.Provider, error) {
	endpoints := append([]config.EndpointConfig{{
		BaseURL: c.BaseURL,
		APIKey:  c.APIKey,
		Model:   c.Model,
	}}, c.Fallbacks...)

	providers := make([]inference.Provider, 0, len(endpoints))
	for _, e := range endpoints {
		client, err := inference.NewClient(
			inference.WithBaseURL(e.BaseURL),
			inference.WithAPIKey(e.APIKey),
			inference.WithModel(e.Model),
			inference.WithTimeout(c.Timeout),
			inference.WithMaxAttempts(1),
			inference.WithLogger(log.L()),
		)
		if err != nil {
			return nil, fmt.Errorf("inference endpoint %s: %w", e.BaseURL, err)
		}
		providers = append(providers, client)
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	return inference.NewChainWithLogger(log.L(), providers...)
}

// newGenerator wraps the LLM reply generator in the retry policy.
func newGenerator(cfg *config.Config, llm inference.Provider) (reply.Generator, error) {
	gen, err := reply.NewLLMGenerator(llm,
		reply.WithAgentName(cfg.Agent.Name),
		reply.WithPersona(cfg.Agent.Persona),
		reply.WithModel(cfg.Inference.Model),
		reply.WithLogger(log.L()),
	)
	if err != nil {
		return nil, err
	}
	return reply.NewRetrying(gen,
		reply.WithMaxAttempts(cfg.Inference.MaxAttempts),
		reply.WithRetryLogger(log.L()),
	), nil
}

func newSpeaker(c config.SpeechConfig) (tts.Provider, error) {
	opts := []tts.Option{
		tts.WithBaseURL(c.SpeakURL),
		tts.WithVoice(c.Voice),
		tts.WithModel(c.VoiceModel),
		tts.WithLogger(log.L()),
	}
	if c.SpeakTransport == "http" {
		return tts.NewHTTPClient(opts...)
	}
	return tts.NewWSClient(opts...)
}

// directory lists every configured RTP sender as a participant of the
// configured conversation.
func directory(c config.RTPConfig) voice.StaticDirectory {
	ids := make([]string, 0, len(c.Participants))
	for _, id := range c.Participants {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	members := make([]intent.Participant, 0, len(ids))
	for _, id := range ids {
		name := c.Names[id]
		if name == "" {
			name = id
		}
		members = append(members, intent.Participant{ID: id, Name: name})
	}
	return voice.StaticDirectory{c.ConversationID: members}
}

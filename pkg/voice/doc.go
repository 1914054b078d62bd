// Package voice wires the per-conversation pipeline together.
//
// A Manager owns one Conversation per voice session. Each conversation
// holds its transcription sessions, the utterance aggregator, the response
// coordinator and the synthesis scheduler with its player. Audio flows
// through them in one direction:
//
//	StartSpeaking ─▶ transcribe.Set ─▶ utterance.Aggregator
//	                                      │
//	                                      ▼
//	                          respond.Coordinator (gate ∥ generator)
//	                                      │ sentences
//	                                      ▼
//	                          synth.Scheduler ─▶ playback.Player ─▶ Sink
//
// Conversations share nothing but the credential pool, so a slow or failing
// conversation never holds up another one.
//
// # Usage
//
//	m, err := voice.New(voice.Dependencies{
//	    Pool:      credentials,
//	    Speech:    sttClient,
//	    Voice:     ttsClient,
//	    Gate:      gate,
//	    Generator: generator,
//	    Directory: directory,
//	    Sinks:     sinks,
//	}, voice.WithAgentName("Eva"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	// Driven by voice activity detection:
//	m.StartSpeaking(ctx, "room-1", "alice", frames)
//	m.StopSpeaking("room-1", "alice")
//
// # Conversation mode
//
// SetConversationMode toggles whether utterances reach the reply pipeline.
// Transcripts are recorded and mirrored either way.
//
// # Mirror
//
// An optional Mirror receives transcripts, full replies and synthesis
// failures for a text surface. Deliveries are asynchronous and rate
// limited; when the mirror falls behind, notifications are dropped rather
// than delaying audio.
package voice

// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// OpenAIProducer streams turns from an OpenAI-compatible chat completion
// endpoint, keeping the running conversation per session in memory.
//
// # Thread Safety
//
// Safe for concurrent use across sessions. Turn serialization within one
// session is the Runtime's job; the producer assumes at most one
// in-flight turn per session id.
type OpenAIProducer struct {
	client       *openai.Client
	model        string
	systemPrompt string

	mu        sync.Mutex
	histories map[string][]openai.ChatCompletionMessage
}

// OpenAIConfig configures the producer.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the endpoint, e.g. for a local vLLM server.
	BaseURL      string
	Model        string
	SystemPrompt string
}

// NewOpenAIProducer creates a producer against the configured endpoint.
func NewOpenAIProducer(cfg OpenAIConfig) *OpenAIProducer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProducer{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		histories:    make(map[string][]openai.ChatCompletionMessage),
	}
}

// StreamReply implements TurnProducer.
func (p *OpenAIProducer) StreamReply(ctx context.Context, sessionID, prompt string, onDelta DeltaFn, onStatus StatusFn) (ReplyResult, error) {
	messages := p.appendUser(sessionID, prompt)

	emitter := NewEmitter(onDelta, onStatus, nil)
	emitter.Status(datatypes.PhaseThinking, "Thinking...", nil)

	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		p.dropLastUser(sessionID)
		return ReplyResult{}, fmt.Errorf("opening completion stream: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	var stopReason *string
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			p.dropLastUser(sessionID)
			return ReplyResult{Content: content.String()}, fmt.Errorf("reading completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			emitter.Delta(choice.Delta.Content)
		}
		if choice.FinishReason != "" {
			reason := string(choice.FinishReason)
			stopReason = &reason
		}
	}

	p.appendAssistant(sessionID, content.String())
	return ReplyResult{Content: content.String(), StopReason: stopReason}, nil
}

// DropSession implements TurnProducer.
func (p *OpenAIProducer) DropSession(sessionID string) {
	p.mu.Lock()
	delete(p.histories, sessionID)
	p.mu.Unlock()
}

// appendUser records the user turn and returns the full message list to
// send, including the system prompt.
func (p *OpenAIProducer) appendUser(sessionID, prompt string) []openai.ChatCompletionMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	history := p.histories[sessionID]
	if len(history) == 0 && p.systemPrompt != "" {
		history = append(history, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.systemPrompt,
		})
	}
	history = append(history, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
	p.histories[sessionID] = history

	return append([]openai.ChatCompletionMessage(nil), history...)
}

// dropLastUser rolls the failed user turn back out of the history so a
// retry does not double it.
func (p *OpenAIProducer) dropLastUser(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	history := p.histories[sessionID]
	if n := len(history); n > 0 && history[n-1].Role == openai.ChatMessageRoleUser {
		p.histories[sessionID] = history[:n-1]
	}
}

func (p *OpenAIProducer) appendAssistant(sessionID, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.histories[sessionID] = append(p.histories[sessionID], openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: content,
	})
}

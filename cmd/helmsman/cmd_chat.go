// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/brightquay/helmsman/cmd/helmsman/config"
	"github.com/brightquay/helmsman/pkg/logging"
	"github.com/brightquay/helmsman/services/copilot/datatypes"
	"github.com/brightquay/helmsman/services/copilot/registry"
	"github.com/brightquay/helmsman/services/copilot/stream"
)

// runChatCommand starts the interactive chat loop: create or resume a
// session over REST, then stream turns over the websocket channel.
func runChatCommand(cmd *cobra.Command, args []string) error {
	if err := config.Load(); err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "helmsman",
		LogDir:  config.Global.LogDir,
		Quiet:   true, // keep the chat transcript clean
	})
	defer logger.Close()

	baseURL := resolveServerURL()
	client := newAPIClient(baseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	session, history, err := createOrResumeSession(ctx, client)
	if err != nil {
		return err
	}

	onChange, changed := ChangeHook()
	reg := registry.New(
		&stream.WebsocketOpener{BaseURL: baseURL, Logger: logger.Slog()},
		registry.WithLogger(logger.Slog()),
		registry.WithOnChange(onChange),
	)
	if len(history) > 0 {
		reg.LoadHistory(session.Id, history)
		fmt.Printf("Resumed with %d earlier messages.\n", len(history))
	}

	turnReq := func(content string) datatypes.ChatSendRequest {
		return datatypes.ChatSendRequest{
			Content:         content,
			AccountKind:     chatAccountKind(),
			DisplayCurrency: chatDisplayCurrency(),
			RedactValues:    chatRedactValues(),
		}
	}

	runner := NewConsoleChatRunner(reg, session, NewInteractiveInputReader(100),
		os.Stdout, changed, turnReq)
	defer runner.Close()

	err = runner.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// resolveServerURL applies precedence: --server flag, then config file,
// then the compiled-in default.
func resolveServerURL() string {
	if serverURL != "" {
		return serverURL
	}
	if config.Global.Server.URL != "" {
		return config.Global.Server.URL
	}
	return config.DefaultConfig().Server.URL
}

func chatAccountKind() string {
	if accountKind != "" && accountKind != "all" {
		return accountKind
	}
	if config.Global.Chat.AccountKind != "" {
		return config.Global.Chat.AccountKind
	}
	return accountKind
}

func chatDisplayCurrency() string {
	if displayCurrency != "" && displayCurrency != "GBP" {
		return displayCurrency
	}
	if config.Global.Chat.DisplayCurrency != "" {
		return config.Global.Chat.DisplayCurrency
	}
	return displayCurrency
}

func chatRedactValues() bool {
	return redactValues || config.Global.Chat.RedactValues
}

// createOrResumeSession returns the target session plus its history when
// resuming. New sessions get a timestamped title.
func createOrResumeSession(ctx context.Context, client *apiClient) (datatypes.Session, []datatypes.Message, error) {
	if resumeSessionID != "" {
		session, err := client.GetSession(ctx, resumeSessionID)
		if err != nil {
			return datatypes.Session{}, nil, fmt.Errorf("resuming session %s: %w", resumeSessionID, err)
		}
		history, err := client.ListMessages(ctx, session.Id)
		if err != nil {
			return datatypes.Session{}, nil, fmt.Errorf("loading history for %s: %w", session.Id, err)
		}
		return session, history, nil
	}

	title := "Chat " + time.Now().Format("2006-01-02 15:04")
	session, err := client.CreateSession(ctx, title)
	if err != nil {
		return datatypes.Session{}, nil, fmt.Errorf("creating session: %w", err)
	}
	return session, nil, nil
}

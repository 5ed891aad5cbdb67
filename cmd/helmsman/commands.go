// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverURL       string
	resumeSessionID string
	accountKind     string
	displayCurrency string
	redactValues    bool

	rootCmd = &cobra.Command{
		Use:   "helmsman",
		Short: "A cli for the Brightquay portfolio copilot",
		Long: `Helmsman talks to the Brightquay copilot service: interactive
				streaming chat about your portfolio, plus session management.`,
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Starts an interactive chat session with the copilot",
		RunE:  runChatCommand, // Defined in cmd_chat.go
	}

	// --- Sessions ---
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Manage conversation sessions",
	}
	listSessionsCmd = &cobra.Command{
		Use:   "list",
		Short: "List all conversation sessions",
		RunE:  runListSessions, // Defined in cmd_session.go
	}
	deleteSessionCmd = &cobra.Command{
		Use:   "delete [session_id]",
		Short: "Delete a specific conversation session",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeleteSession, // Defined in cmd_session.go
	}
	historyCmd = &cobra.Command{
		Use:   "history [session_id]",
		Short: "Print the full message history of a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionHistory, // Defined in cmd_session.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"Copilot service URL (overrides the config file)")

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&resumeSessionID, "resume", "",
		"Resume a conversation using a specific session ID.")
	chatCmd.Flags().StringVar(&accountKind, "account", "all",
		"Account scope for answers: all, invest, or stocks_isa")
	chatCmd.Flags().StringVar(&displayCurrency, "currency", "GBP",
		"Display currency for monetary values: GBP or USD")
	chatCmd.Flags().BoolVar(&redactValues, "redact", false,
		"Redact absolute monetary values in replies")

	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(listSessionsCmd)
	sessionCmd.AddCommand(deleteSessionCmd)
	sessionCmd.AddCommand(historyCmd)
}

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
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/brightquay/helmsman/cmd/helmsman/config"
	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	roleStyle   = lipgloss.NewStyle().Bold(true)
)

func sessionClient() (*apiClient, error) {
	if err := config.Load(); err != nil {
		return nil, err
	}
	return newAPIClient(resolveServerURL()), nil
}

// runListSessions prints every session, most recently updated first.
func runListSessions(cmd *cobra.Command, args []string) error {
	client, err := sessionClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions yet. Start one with 'helmsman chat'.")
		return nil
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("%-38s  %-30s  %s", "SESSION ID", "TITLE", "UPDATED")))
	for _, s := range sessions {
		title := s.Title
		if len(title) > 30 {
			title = title[:27] + "..."
		}
		fmt.Printf("%-38s  %-30s  %s\n", s.Id, title,
			dimStyle.Render(s.UpdatedAt.Local().Format("2006-01-02 15:04")))
	}
	return nil
}

// runDeleteSession removes a session and everything persisted under it.
func runDeleteSession(cmd *cobra.Command, args []string) error {
	client, err := sessionClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	sessionID := args[0]
	if err := client.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", sessionID)
	return nil
}

// runSessionHistory prints the full persisted transcript of a session,
// including collapsed tool and delegation records.
func runSessionHistory(cmd *cobra.Command, args []string) error {
	client, err := sessionClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	sessionID := args[0]
	session, err := client.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	messages, err := client.ListMessages(ctx, sessionID)
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render(session.Title))
	fmt.Println(dimStyle.Render(fmt.Sprintf("%s · %d messages", session.Id, len(messages))))
	fmt.Println()

	for _, msg := range messages {
		stamp := dimStyle.Render(msg.CreatedAt.Local().Format("15:04:05"))
		fmt.Printf("%s %s\n", roleStyle.Render(msg.Role+":"), stamp)
		printToolCalls(msg.ToolCalls, "  ")
		if msg.Content != "" {
			fmt.Printf("  %s\n", msg.Content)
		}
		fmt.Println()
	}
	return nil
}

func printToolCalls(entries []datatypes.ToolCallEntry, indent string) {
	for _, entry := range entries {
		fmt.Println(dimStyle.Render(fmt.Sprintf("%s[%s] %s", indent, entry.Phase, entry.Message)))
		printToolCalls(entry.Nested, indent+"  ")
	}
}

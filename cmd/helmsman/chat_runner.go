// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package main contains the helmsman CLI chat runner.
//
// This file defines the ChatRunner interface and the console
// implementation that drives the session registry: it submits turns,
// renders the live transcript as envelopes arrive, and reconciles the
// final messages when a turn completes.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
	"github.com/brightquay/helmsman/services/copilot/registry"
)

// ChatRunner runs an interactive chat session until the user exits or
// the context is cancelled. Callers must Close it when done.
type ChatRunner interface {
	Run(ctx context.Context) error
	io.Closer
}

// InputReader abstracts line-oriented user input so tests can script it.
type InputReader interface {
	// ReadLine blocks until the next line, trimmed. Returns io.EOF when
	// the input source is exhausted.
	ReadLine() (string, error)
}

// =============================================================================
// Rendering
// =============================================================================

var (
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	subagentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("135"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	promptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
)

// segmentRenderer prints the live transcript incrementally: each status
// segment once when it first appears, and the trailing text segment as
// it grows, so deltas stream to the terminal the way they stream on the
// wire.
type segmentRenderer struct {
	out      io.Writer
	printed  int // fully printed segments
	textLen  int // printed bytes of the trailing text segment
	replyLen int // total reply bytes printed across all text segments
	midLine  bool
}

func (r *segmentRenderer) render(segments []datatypes.Segment) {
	for i := r.printed; i < len(segments); i++ {
		seg := segments[i]
		if seg.Kind == datatypes.SegmentText {
			// Only the trailing text segment can still grow.
			if i != len(segments)-1 {
				r.printSegmentText(seg.Message[r.textLen:])
				r.finishLine()
				r.textLen = 0
				r.printed = i + 1
				continue
			}
			r.printSegmentText(seg.Message[r.textLen:])
			r.textLen = len(seg.Message)
			return
		}

		r.finishLine()
		r.printStatus(seg)
		r.printed = i + 1
		r.textLen = 0
	}
}

func (r *segmentRenderer) printSegmentText(text string) {
	if text == "" {
		return
	}
	fmt.Fprint(r.out, text)
	r.replyLen += len(text)
	r.midLine = true
}

func (r *segmentRenderer) printStatus(seg datatypes.Segment) {
	switch seg.Kind {
	case datatypes.SegmentSubagent:
		label := seg.SubagentType
		if label == "" {
			label = "subagent"
		}
		marker := "…"
		switch seg.Status {
		case datatypes.SubagentDone:
			marker = "✓"
		case datatypes.SubagentError:
			marker = "✗"
		}
		fmt.Fprintln(r.out, subagentStyle.Render(fmt.Sprintf("  [%s %s] %s", label, marker, seg.Message)))
		for _, nested := range seg.Nested {
			fmt.Fprintln(r.out, subagentStyle.Render("    · "+nested.Message))
		}
	default:
		fmt.Fprintln(r.out, statusStyle.Render("  ["+seg.Message+"]"))
	}
}

func (r *segmentRenderer) finishLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

// =============================================================================
// Console Chat Runner
// =============================================================================

// ConsoleChatRunner is the production ChatRunner: reads prompts from an
// InputReader, drives the session registry, and renders to out.
type ConsoleChatRunner struct {
	reg     *registry.Registry
	session datatypes.Session
	reader  InputReader
	out     io.Writer
	turnReq func(content string) datatypes.ChatSendRequest
	changed chan struct{}
}

// NewConsoleChatRunner wires a runner around an already-created session.
// The registry must have been constructed with the runner's change
// channel hooked up via ChangeHook.
func NewConsoleChatRunner(reg *registry.Registry, session datatypes.Session,
	reader InputReader, out io.Writer, changed chan struct{},
	turnReq func(content string) datatypes.ChatSendRequest) *ConsoleChatRunner {
	return &ConsoleChatRunner{
		reg:     reg,
		session: session,
		reader:  reader,
		out:     out,
		turnReq: turnReq,
		changed: changed,
	}
}

// ChangeHook returns an OnChange function and the channel it signals.
// The hook never blocks; coalesced signals are fine because the runner
// re-reads the full snapshot on every wakeup.
func ChangeHook() (func(sessionID string), chan struct{}) {
	ch := make(chan struct{}, 1)
	return func(sessionID string) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}, ch
}

// Run is the interactive loop: prompt, submit, stream, repeat.
// "exit" and "quit" end the session cleanly.
func (r *ConsoleChatRunner) Run(ctx context.Context) error {
	fmt.Fprintf(r.out, "Session %s - type 'exit' to leave.\n", r.session.Id)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fmt.Fprint(r.out, promptStyle.Render("you> "))
		line, err := r.reader.ReadLine()
		if err == io.EOF {
			fmt.Fprintln(r.out)
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		if err := r.runTurn(ctx, line); err != nil {
			return err
		}
	}
}

func (r *ConsoleChatRunner) runTurn(ctx context.Context, content string) error {
	if err := r.reg.Submit(ctx, r.session.Id, r.turnReq(content)); err != nil {
		fmt.Fprintln(r.out, errorStyle.Render("  ["+err.Error()+"]"))
		return nil
	}

	renderer := &segmentRenderer{out: r.out}

	for {
		state := r.reg.Snapshot(r.session.Id)
		renderer.render(state.Segments)
		if !state.Sending {
			r.printOutcome(renderer, state)
			return nil
		}

		select {
		case <-r.changed:
		case <-time.After(250 * time.Millisecond):
			// Repaint even without events so a stalled stream is visible.
		case <-ctx.Done():
			r.reg.CancelTurn(r.session.Id)
			fmt.Fprintln(r.out)
			fmt.Fprintln(r.out, statusStyle.Render("  [turn cancelled]"))
			return ctx.Err()
		}
	}
}

// printOutcome settles the display once the turn is over: the failure
// text on the error path, or any reply tail the live segments never got
// to show because the turn finished between snapshots.
func (r *ConsoleChatRunner) printOutcome(renderer *segmentRenderer, state registry.SessionState) {
	if len(state.Messages) == 0 {
		renderer.finishLine()
		return
	}
	last := state.Messages[len(state.Messages)-1]
	if last.Role != datatypes.RoleAssistant {
		renderer.finishLine()
		return
	}
	if last.IsOptimistic() {
		renderer.finishLine()
		fmt.Fprintln(r.out, errorStyle.Render(last.Content))
		return
	}
	if renderer.replyLen < len(last.Content) {
		renderer.printSegmentText(last.Content[renderer.replyLen:])
	}
	renderer.finishLine()
}

// Close shuts the registry down, cancelling any in-flight turn.
func (r *ConsoleChatRunner) Close() error {
	r.reg.Close()
	return nil
}

// =============================================================================
// Input Readers
// =============================================================================

// StdinReader reads newline-terminated input from os.Stdin. Used for
// piped input and as the non-TTY fallback.
type StdinReader struct {
	reader *bufio.Reader
}

// NewStdinReader creates a StdinReader wrapping os.Stdin.
func NewStdinReader() *StdinReader {
	return &StdinReader{reader: bufio.NewReader(os.Stdin)}
}

// ReadLine reads one line, trimmed. Returns io.EOF when stdin closes.
func (r *StdinReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// InteractiveInputReader provides line editing and up-arrow history via
// bubbletea. Falls back to StdinReader when stdin is not a terminal.
type InteractiveInputReader struct {
	history    []string
	maxHistory int
}

// NewInteractiveInputReader returns an interactive reader on a TTY and a
// StdinReader otherwise (piped input, CI).
func NewInteractiveInputReader(maxHistory int) InputReader {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return NewStdinReader()
	}
	return &InteractiveInputReader{maxHistory: maxHistory}
}

// inputModel is the bubbletea model for one line of interactive input.
type inputModel struct {
	textInput    textinput.Model
	history      []string
	historyIndex int
	currentInput string
	cancelled    bool
}

// ReadLine runs one bubbletea prompt with history navigation.
func (r *InteractiveInputReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = ""
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 80

	m := inputModel{textInput: ti, history: r.history, historyIndex: -1}
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}
	result, ok := finalModel.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", finalModel)
	}
	if result.cancelled && result.textInput.Value() == "" {
		return "", io.EOF
	}

	input := strings.TrimSpace(result.textInput.Value())
	if input != "" {
		r.addToHistory(input)
	}
	return input, nil
}

func (r *InteractiveInputReader) addToHistory(input string) {
	if len(r.history) > 0 && r.history[len(r.history)-1] == input {
		return
	}
	r.history = append(r.history, input)
	if len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEnter:
			return m, tea.Quit

		case tea.KeyCtrlC:
			m.textInput.SetValue("")
			return m, tea.Quit

		case tea.KeyCtrlD:
			m.cancelled = true
			m.textInput.SetValue("")
			return m, tea.Quit

		case tea.KeyUp:
			if len(m.history) == 0 {
				return m, nil
			}
			if m.historyIndex == -1 {
				m.currentInput = m.textInput.Value()
				m.historyIndex = len(m.history) - 1
			} else if m.historyIndex > 0 {
				m.historyIndex--
			}
			m.textInput.SetValue(m.history[m.historyIndex])
			m.textInput.CursorEnd()
			return m, nil

		case tea.KeyDown:
			if m.historyIndex == -1 {
				return m, nil
			}
			if m.historyIndex < len(m.history)-1 {
				m.historyIndex++
				m.textInput.SetValue(m.history[m.historyIndex])
			} else {
				m.historyIndex = -1
				m.textInput.SetValue(m.currentInput)
			}
			m.textInput.CursorEnd()
			return m, nil
		}
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	return m.textInput.View()
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloud-shuttle/parley/internal/conversation"
	"github.com/cloud-shuttle/parley/pkg/types"
)

// repl runs the interactive loop until exit, end of input, or ctx is done.
// Chat failures are shown to the user and the loop continues.
func repl(ctx context.Context, sess *conversation.Session, in io.Reader, out io.Writer, assistantName string, prompt bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if prompt {
			fmt.Fprint(out, userStyle.Render("You: "))
		}

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(out, dimStyle.Render("Goodbye!"))
			return nil
		case "clear":
			if err := sess.ClearConversation(ctx, true); err != nil {
				return err
			}
			fmt.Fprintln(out, successStyle.Render("Conversation history cleared."))
			continue
		case "history":
			turns, err := sess.History(ctx)
			if err != nil {
				return err
			}
			printTurns(out, turns, assistantName)
			continue
		}

		reply, err := sess.Process(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(out, errorStyle.Render(conversation.UserMessage(err)))
			continue
		}
		fmt.Fprintf(out, "%s %s\n", assistantStyle.Render(assistantName+":"), reply)
	}
}

// printTurns writes turns one per line with role labels
func printTurns(out io.Writer, turns []types.Turn, assistantName string) {
	if len(turns) == 0 {
		fmt.Fprintln(out, dimStyle.Render("No conversation history."))
		return
	}

	for _, t := range turns {
		ts := dimStyle.Render(t.Timestamp.Local().Format("2006-01-02 15:04:05"))
		switch t.Role {
		case types.RoleSystem:
			fmt.Fprintf(out, "%s %s %s\n", ts, systemStyle.Render("System:"), systemStyle.Render(t.Content))
		case types.RoleUser:
			fmt.Fprintf(out, "%s %s %s\n", ts, userStyle.Render("You:"), t.Content)
		default:
			fmt.Fprintf(out, "%s %s %s\n", ts, assistantStyle.Render(assistantName+":"), t.Content)
		}
	}
}

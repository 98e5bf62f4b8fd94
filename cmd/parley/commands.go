package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cloud-shuttle/parley/internal/conversation"
)

const defaultSessionID = "default"

// interruptContext returns a context cancelled by the first SIGINT or SIGTERM
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func chatCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Start an interactive conversation in the terminal.

Type a message and press enter to send it. Special inputs:
  exit, quit   end the conversation
  clear        clear the history, keeping the system prompt
  history      show the conversation so far`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openChat(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := interruptContext()
			defer cancel()

			sess, err := a.registry.GetOrCreate(ctx, sessionID)
			if err != nil {
				return err
			}

			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			if interactive {
				fmt.Println(titleStyle.Render(fmt.Sprintf("%s is ready.", cfg.AssistantName)))
				fmt.Println(helpStyle.Render(fmt.Sprintf("Session %s. Type 'exit' to quit, 'clear' to reset, 'history' to review.", sess.ID())))
			}

			return repl(ctx, sess, os.Stdin, os.Stdout, cfg.AssistantName, interactive)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", defaultSessionID, "Session id")
	return cmd
}

func sendCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openChat(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := interruptContext()
			defer cancel()

			sess, err := a.registry.GetOrCreate(ctx, sessionID)
			if err != nil {
				return err
			}

			reply, err := sess.Process(ctx, args[0])
			if err != nil {
				logger.Debug("send failed", "error", err)
				return errors.New(conversation.UserMessage(err))
			}
			fmt.Println(reply)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", defaultSessionID, "Session id")
	return cmd
}

func historyCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a session's stored history",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			turns, err := a.turns.Load(cmd.Context(), sessionID)
			if err != nil {
				return fmt.Errorf("loading history: %w", err)
			}
			printTurns(os.Stdout, turns, cfg.AssistantName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", defaultSessionID, "Session id")
	return cmd
}

func clearCmd() *cobra.Command {
	var (
		sessionID string
		all       bool
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear a session's history",
		Long: `Clear a session's history.

The system prompt is kept unless --all is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.turns.Clear(cmd.Context(), sessionID, !all); err != nil {
				return fmt.Errorf("clearing history: %w", err)
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("Cleared session %s", sessionID)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", defaultSessionID, "Session id")
	cmd.Flags().BoolVar(&all, "all", false, "Also remove the system prompt")
	return cmd
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			infos, err := a.turns.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}
			if len(infos) == 0 {
				fmt.Println(dimStyle.Render("No stored sessions."))
				return nil
			}

			fmt.Printf("%-38s %6s  %s\n", "SESSION", "TURNS", "LAST ACTIVE")
			for _, info := range infos {
				fmt.Printf("%-38s %6d  %s\n", info.ID, info.TurnCount, humanize.Time(info.LastActiveAt))
			}
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a session's stored history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return errors.New("--session is required")
			}

			a, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.turns.Delete(cmd.Context(), sessionID); err != nil {
				return fmt.Errorf("deleting session: %w", err)
			}
			fmt.Println(warningStyle.Render(fmt.Sprintf("Deleted session %s", sessionID)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	return cmd
}

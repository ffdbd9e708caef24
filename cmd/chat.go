package cmd

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/keeper/internal/bus"
	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/sessions"
	"github.com/nextlevelbuilder/keeper/internal/store"
)

func chatCmd() *cobra.Command {
	var (
		user      string
		message   string
		ephemeral bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant in the terminal",
		Long: "Starts a terminal conversation against the local database. " +
			"With -m the single message is answered and the command exits.",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(user, message, ephemeral)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "local", "user id for the conversation")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "use an in-memory database, nothing persists")
	return cmd
}

func runChat(user, oneShot string, ephemeral bool) {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	db, err := openChatDB(cfg, ephemeral)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open database:", err)
		os.Exit(1)
	}

	rt, err := buildRuntime(cfg, db)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build runtime:", err)
		db.Close()
		os.Exit(1)
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.mcp.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "warning: some MCP servers unavailable:", err)
	}

	// Reminders and nudges land in the terminal through the CLI channel.
	go rt.dispatcher.Run(ctx)

	sessionID := sessions.SessionID("cli", user)

	if oneShot != "" {
		reply, err := rt.handleInbound(ctx, bus.InboundMessage{
			Channel: "cli", UserID: user, ChatID: user, Content: oneShot,
		}, chatProgress)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		fmt.Println(reply)
		return
	}

	fmt.Println("keeper chat — /reset clears the session, /quit exits")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/exit":
			return
		case line == "/reset":
			if err := rt.sessions.Delete(sessionID); err != nil {
				fmt.Fprintln(os.Stderr, "reset failed:", err)
			} else {
				fmt.Println("session cleared")
			}
			continue
		}

		reply, err := rt.handleInbound(ctx, bus.InboundMessage{
			Channel: "cli", UserID: user, ChatID: user, Content: line,
		}, chatProgress)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		fmt.Println(reply)
	}
}

func openChatDB(cfg *config.Config, ephemeral bool) (*sql.DB, error) {
	if ephemeral {
		return store.OpenMemory()
	}
	return store.Open(cfg.Database.SQLitePath)
}

// chatProgress surfaces tool activity so long turns don't look stuck.
func chatProgress(u bus.ProgressUpdate) {
	switch u.Kind {
	case bus.ProgressToolStart:
		fmt.Fprintf(os.Stderr, "  [%s…]\n", u.Tool)
	case bus.ProgressToolError:
		fmt.Fprintf(os.Stderr, "  [%s failed: %s]\n", u.Tool, u.Error)
	}
}

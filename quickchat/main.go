package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/quickchat/identity"
	"github.com/gosuda/quickchat/roomid"
	"github.com/gosuda/quickchat/session"
	"github.com/gosuda/quickchat/transport"
)

var rootCmd = &cobra.Command{
	Use:               "quickchat",
	Short:             "Terminal client for ephemeral QuickChat rooms",
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

var joinCmd = &cobra.Command{
	Use:   "join <room-id-or-link>",
	Short: "Join a room by id or pasted share link",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a room id and print its share link",
	Args:  cobra.NoArgs,
	RunE:  runNew,
}

var (
	flagServerURL string
	flagName      string
	flagDataPath  string
	flagBaseURL   string
	flagLogLevel  string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServerURL, "server-url", envOr("QUICKCHAT_SERVER", "ws://localhost:3000/ws"), "coordination service websocket URL (from env QUICKCHAT_SERVER if set)")
	flags.StringVar(&flagName, "name", os.Getenv("QUICKCHAT_NAME"), "display name; prompted for when empty and none is remembered")
	flags.StringVar(&flagDataPath, "data-path", "", "optional directory to remember the display name via PebbleDB")
	flags.StringVar(&flagBaseURL, "base-url", "https://quickchat.local", "base URL for share links")
	flags.StringVar(&flagLogLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(joinCmd, newCmd)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute quickchat command")
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	return nil
}

func runNew(cmd *cobra.Command, args []string) error {
	id := roomid.New()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Room ID: %s\n", id)
	fmt.Fprintf(out, "Link:    %s\n", roomid.Link(flagBaseURL, id))
	return nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := roomid.Normalize(args[0])
	if !roomid.Validate(id) {
		return fmt.Errorf("invalid room id %q; check the id or link and try again", args[0])
	}

	store, closeStore := openIdentity(flagDataPath)
	defer closeStore()

	conn, err := transport.Connect(ctx, flagServerURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	v := newView(cmd.OutOrStdout(), flagBaseURL)
	opts := []session.Option{session.WithIdentity(store), session.WithNavigator(v)}
	if flagName != "" {
		opts = append(opts, session.WithParticipant(flagName))
	}
	sess := session.New(conn, opts...)
	defer sess.Close()

	if err := sess.Open(id); err != nil {
		return err
	}
	return runLoop(ctx, sess, v, readLines(cmd.InOrStdin()))
}

// openIdentity prefers the Pebble store and falls back to memory when the
// data path is unset or unusable.
func openIdentity(dir string) (session.IdentityStore, func()) {
	if dir == "" {
		return identity.NewMemory(""), func() {}
	}
	s, err := identity.Open(dir)
	if err != nil {
		log.Warn().Err(err).Msg("[quickchat] open identity store failed; name will not be remembered")
		return identity.NewMemory(""), func() {}
	}
	return s, func() {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("[quickchat] identity store close error")
		}
	}
}

func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}

func runLoop(ctx context.Context, sess *session.Session, v *view, lines <-chan string) error {
	v.render(sess.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			v.render(sess.Snapshot())
			return sess.Err()
		case <-sess.Updates():
			v.render(sess.Snapshot())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			handleLine(sess, v, line)
		}
	}
}

func handleLine(sess *session.Session, v *view, line string) {
	switch sess.Phase() {
	case session.PhaseAwaitingIdentity:
		if err := sess.SubmitIdentity(line); errors.Is(err, session.ErrEmptyInput) {
			v.Notice("Please enter your name!")
		}
	case session.PhaseJoining:
		v.Notice("Still joining the room, hold on.")
	case session.PhaseActive:
		switch strings.TrimSpace(line) {
		case "/quit":
			sess.Close()
		case "/users":
			v.roster(sess.Snapshot())
		case "/room":
			v.roomInfo(sess.Snapshot())
		default:
			// blank lines are simply not sent
			_ = sess.SendMessage(line)
		}
	}
}

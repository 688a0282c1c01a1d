package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nexus-im/chatclient/api"
	"github.com/nexus-im/chatclient/internal/auth"
	"github.com/nexus-im/chatclient/internal/config"
	"github.com/nexus-im/chatclient/internal/logging"
	"github.com/nexus-im/chatclient/realtime"
	"github.com/nexus-im/chatclient/session"
	"github.com/nexus-im/chatclient/store/conversation"

	_ "github.com/lib/pq"
)

var (
	configPath = flag.String("config", "", "path to a config file")
	peerID     = flag.Int64("peer", 0, "id of the user to chat with; omit to list peers")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	logger, err := logging.New(cfg.Log.Development)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conversation.SetServerLocation(cfg.ServerLocation)

	client := api.NewClient(api.Config{
		BaseURL:         cfg.API.BaseURL,
		Token:           cfg.Auth.Token,
		Timeout:         cfg.APITimeout,
		RetryMaxElapsed: cfg.RetryMaxElapsed,
		BreakerFailures: cfg.API.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}, logger)

	me, err := identify(ctx, cfg, client)
	if err != nil {
		logger.Fatal("Failed to resolve identity", zap.Error(err))
	}
	logger.Info("signed in", zap.Stringer("user", me.ID), zap.String("username", me.Username))

	history, closeHistory, err := openHistory(cfg, client, logger)
	if err != nil {
		logger.Fatal("Failed to open history source", zap.Error(err))
	}
	defer closeHistory()

	dialer := &realtime.WSDialer{
		Host:             cfg.Broker.Host,
		Token:            cfg.Auth.Token,
		Heartbeat:        cfg.Heartbeat,
		HandshakeTimeout: cfg.HandshakeTimeout,
		SendRate:         rate.Limit(cfg.Broker.SendRate),
		SendBurst:        cfg.Broker.SendBurst,
		Logger:           logger,
	}
	conns := realtime.NewManager(dialer, cfg.Broker.URL,
		realtime.WithLogger(logger),
		realtime.WithRetry(cfg.Reconnect.MaxAttempts, cfg.ReconnectDelay),
	)
	router := realtime.NewRouter(conns, logger)
	defer router.Close()

	store := conversation.NewStore(cfg.EchoWindow)
	inbox := session.NewInbox(me.ID)
	ctl := session.NewController(me.ID, conns, router, store, history,
		session.WithLogger(logger),
		session.WithInbox(inbox),
	)
	defer func() {
		_ = ctl.Close()
	}()

	peers, err := session.NewRoster(client, logger).Peers(ctx, me)
	if err != nil {
		logger.Warn("peer list unavailable", zap.Error(err))
	}
	for _, p := range peers {
		inbox.SetTitle(p.ID, p.Name)
	}

	if *peerID == 0 {
		printRoster(os.Stdout, peers)
		return
	}

	peer := conversation.UserID(*peerID)
	if err := ctl.Select(ctx, peer); err != nil {
		logger.Error("Failed to open conversation", zap.Stringer("peer", peer), zap.Error(err))
		return
	}
	printView(os.Stdout, me.ID, ctl)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case key := <-ctl.Updates():
			if key == conversation.KeyOf(me.ID, peer) {
				printView(os.Stdout, me.ID, ctl)
			} else {
				printInbox(os.Stdout, inbox)
			}
		case text, ok := <-lines:
			if !ok {
				return
			}
			handleLine(ctx, logger, ctl, text)
		}
	}
}

// identify reads the bearer token and completes it with the profile API,
// since the backend's tokens name the user but do not always carry the id.
func identify(ctx context.Context, cfg *config.Config, client *api.Client) (*auth.Identity, error) {
	if cfg.Auth.Token == "" {
		return nil, errors.New("auth.token is not set")
	}
	me, err := auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer).Identify(cfg.Auth.Token)
	if err != nil {
		return nil, err
	}
	profile, err := client.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	me.ID = profile.ID
	if len(profile.Roles) > 0 {
		me.Roles = profile.Roles
	}
	return me, nil
}

func openHistory(cfg *config.Config, client *api.Client, logger *zap.Logger) (conversation.History, func(), error) {
	if cfg.History.Source != config.HistoryPostgres {
		return client, func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.History.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(); err != nil {
		// history falls back to an empty timeline until the database is up
		logger.Warn("database unreachable", zap.Error(err))
	} else {
		logger.Info("connected to history database")
	}
	return conversation.NewSQLHistory(db), func() {
		if err := db.Close(); err != nil {
			logger.Warn("error closing db", zap.Error(err))
		}
	}, nil
}

func handleLine(ctx context.Context, logger *zap.Logger, ctl *session.Controller, text string) {
	if id, ok := strings.CutPrefix(text, "/resend "); ok {
		if _, err := ctl.Resend(ctx, strings.TrimSpace(id)); err != nil {
			logger.Warn("resend failed", zap.Error(err))
		}
		return
	}
	if _, err := ctl.Send(ctx, text); err != nil && !errors.Is(err, session.ErrBlankMessage) {
		logger.Warn("send failed", zap.Error(err))
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func printRoster(w io.Writer, peers []api.User) {
	if len(peers) == 0 {
		fmt.Fprintln(w, "no peers")
		return
	}
	for _, p := range peers {
		fmt.Fprintf(w, "%6d  %s\n", p.ID, p.Name)
	}
}

func printView(w io.Writer, self conversation.UserID, ctl *session.Controller) {
	v, err := ctl.View()
	if err != nil {
		return
	}
	fmt.Fprintf(w, "--- %s (%s)\n", v.Key, v.Status)
	if v.Err != nil {
		fmt.Fprintf(w, "    history unavailable: %v\n", v.Err)
	}
	for _, m := range v.Messages {
		who := "them"
		if m.SenderID == self {
			who = "me"
		}
		mark := ""
		switch m.Delivery {
		case conversation.Pending:
			mark = " (sending)"
		case conversation.Failed:
			mark = " ! /resend " + m.CorrelationID
		}
		fmt.Fprintf(w, "%s %-4s %s%s\n", m.Timestamp.Local().Format("15:04"), who, m.Content, mark)
	}
}

func printInbox(w io.Writer, inbox *session.Inbox) {
	for _, t := range inbox.Threads() {
		if t.Unread == 0 {
			continue
		}
		title := t.Title
		if title == "" {
			title = t.Peer.String()
		}
		fmt.Fprintf(w, "*** %s: %d unread, last: %s\n", title, t.Unread, t.LastBody)
	}
}

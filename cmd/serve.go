package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loopwire/conductor/internal/agentrunner"
	"github.com/loopwire/conductor/internal/bus"
	"github.com/loopwire/conductor/internal/channelobserver"
	"github.com/loopwire/conductor/internal/chatadapter"
	discordadapter "github.com/loopwire/conductor/internal/chatadapter/discord"
	telegramadapter "github.com/loopwire/conductor/internal/chatadapter/telegram"
	"github.com/loopwire/conductor/internal/chatutil"
	"github.com/loopwire/conductor/internal/config"
	"github.com/loopwire/conductor/internal/ctxbuild"
	"github.com/loopwire/conductor/internal/executor"
	"github.com/loopwire/conductor/internal/llmclient"
	"github.com/loopwire/conductor/internal/memstore"
	pgindex "github.com/loopwire/conductor/internal/memstore/pg"
	sqliteindex "github.com/loopwire/conductor/internal/memstore/sqlite"
	"github.com/loopwire/conductor/internal/observation"
	"github.com/loopwire/conductor/internal/sessionmgr"
	"github.com/loopwire/conductor/internal/tokencount"
	"github.com/loopwire/conductor/internal/tracing"
	"github.com/loopwire/conductor/internal/tracker"
	"github.com/loopwire/conductor/internal/tracker/trello"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat bot: channel adapters, session executor, tracker watcher",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// hybridSessionStarter adapts *executor.SessionExecutor to
// channelobserver.SessionStarter: a fired intervention continues as an
// ordinary viewer-role thread anchored at the bot's own reply.
type hybridSessionStarter struct {
	exec *executor.SessionExecutor
}

func (h *hybridSessionStarter) StartHybridSession(channelID, anchorTS string) error {
	return h.exec.Run(context.Background(), executor.RunParams{
		SessionKey: channelID + ":" + anchorTS,
		ThreadTS:   anchorTS,
		ChannelID:  channelID,
		MsgTS:      anchorTS,
		Prompt:     "Someone in this channel may need help. Take a look at the recent conversation above and offer to help if appropriate.",
		Role:       executor.RoleViewer,
		SourceType: sessionmgr.SourceHybrid,
	})
}

// registryCompactor adapts *agentrunner.Registry to tracker.Compactor: the
// watcher's preemptive compact looks up the session's live runner by thread
// key and asks it to compact in place.
type registryCompactor struct {
	registry *agentrunner.Registry
}

func (r *registryCompactor) CompactSession(ctx context.Context, sessionKey string) (string, error) {
	runner, ok := r.registry.Get(sessionKey)
	if !ok {
		return "", nil
	}
	return runner.CompactSession(ctx, "")
}

// listRunStarterRef satisfies executor.ListRunStarter with a watcher bound
// after construction: the executor needs a ListRunStarter before the
// tracker watcher exists (it needs the executor first), so this ref is
// handed to executor.New empty and its watcher field set once the watcher
// is built.
type listRunStarterRef struct {
	watcher *tracker.Watcher
}

func (r *listRunStarterRef) StartListRun(ctx context.Context, listName, channelID, threadTS string) error {
	if r.watcher == nil {
		return fmt.Errorf("tracker watcher not configured")
	}
	return r.watcher.StartListRun(ctx, listName, channelID, threadTS)
}

// slogDebugLogger satisfies channelobserver.DebugLogger by logging to the
// configured debug channel via the chat router, when one is set.
type slogDebugLogger struct {
	router        *chatadapter.Router
	debugChannel  string
	log           *slog.Logger
}

func (d *slogDebugLogger) LogDecision(channelID string, item channelobserver.JudgeItem, probability float64, fired bool) {
	d.log.Debug("channel-watch decision", "channel", channelID, "ts", item.TS, "type", item.Type, "probability", probability, "fired", fired)
	if d.debugChannel == "" {
		return
	}
	text := fmt.Sprintf("judge: %s on %s (p=%.2f fired=%v) — %s", item.Type, item.TS, probability, fired, item.Reason)
	_, _ = d.router.PostMessage(context.Background(), d.debugChannel, "", text)
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	watcher, err := config.NewWatcher(resolveConfigPath(), log)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := watcher.Start(); err != nil {
		log.Warn("config hot-reload unavailable", "error", err)
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:       cfg.Telemetry.Enabled,
		OTLPEndpoint:  cfg.Telemetry.OTLPEndpoint,
		ServiceName:   cfg.Telemetry.ServiceName,
		ExportTimeout: cfg.Telemetry.ExportTimeout,
	})
	if err != nil {
		log.Warn("tracing disabled: provider init failed", "error", err)
	} else {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	store, err := memstore.New(cfg.Storage.MemoryDir)
	if err != nil {
		log.Error("failed to open memory store", "error", err)
		os.Exit(1)
	}
	counter := tokencount.New()
	wireTokenIndex(store, counter, cfg.Storage, log)

	sessions := sessionmgr.NewManager(cfg.Storage.SessionStorage)
	llm := llmclient.NewHTTPClient(cfg.Agent.LLMBaseURL, cfg.Agent.LLMAPIKey, cfg.Agent.LLMModel)

	msgBus := bus.New(256)
	router := chatadapter.NewRouter(msgBus, log)

	var botUserIDs []string
	if cfg.Channels.Discord.Token != "" {
		d, err := discordadapter.New(cfg.Channels.Discord.ToDiscordConfig(), msgBus, log)
		if err != nil {
			log.Error("failed to start discord adapter", "error", err)
			os.Exit(1)
		}
		if err := d.Start(ctx); err != nil {
			log.Error("discord connect failed", "error", err)
			os.Exit(1)
		}
		defer d.Stop(context.Background())
		router.Register("discord", d)
		botUserIDs = append(botUserIDs, d.BotUserID())
	}
	if cfg.Channels.Telegram.Token != "" {
		t, err := telegramadapter.New(cfg.Channels.Telegram.ToTelegramConfig(), msgBus, log)
		if err != nil {
			log.Error("failed to start telegram adapter", "error", err)
			os.Exit(1)
		}
		if err := t.Start(ctx); err != nil {
			log.Error("telegram connect failed", "error", err)
			os.Exit(1)
		}
		defer t.Stop(context.Background())
		router.Register("telegram", t)
		botUserIDs = append(botUserIDs, t.BotUserID())
	}
	go router.DispatchOutbound(ctx)

	ctxBuilder := ctxbuild.New(store, counter)
	runners := agentrunner.NewRegistry()
	defer runners.ShutdownAll()

	baseRunnerCfg := agentrunner.Config{
		Command:        cfg.Agent.Command,
		BaseArgs:       cfg.Agent.BaseArgs,
		WorkDir:        cfg.Agent.WorkDir,
		PermissionMode: cfg.Agent.PermissionMode,
	}

	rateLimiter := chatutil.NewRateLimiter()

	botUserID := firstNonEmpty(botUserIDs)
	reactions := chatutil.NewReactionManager(router, botUserID)

	execCfg := cfg.Executor
	execCfg.ContextWindowTokens = cfg.Agent.ContextWindow

	listRunner := tracker.NewListRunner(store)

	var sessExec *executor.SessionExecutor
	obsPipeline := observation.New(store, llm, counter, cfg.Observation)

	trackerChatPoster := router
	trackerSession := &tracker.ExecutorSession{AgentCmd: cfg.Agent.Command}
	listRunRef := &listRunStarterRef{}

	// RestartRequester is left nil here: the supervisor that implements it
	// runs as a separate OS process (cmd/supervise.go) and restarts this
	// one from outside, so there is no in-process RestartRequester to wire
	// without adding an IPC channel between the two binaries.
	sessExec = executor.New(sessions, runners, ctxBuilder, router, nil, listRunRef, baseRunnerCfg, execCfg)
	trackerSession.Exec = sessExec

	var trackerAdapter tracker.Adapter
	if cfg.TrackerBoard.BoardID != "" && cfg.TrackerBoard.Key != "" {
		trackerAdapter = trello.NewBoardAdapter(cfg.TrackerBoard.Key, cfg.TrackerBoard.Token, cfg.TrackerBoard.BoardID)
	}

	var trackerWatcher *tracker.Watcher
	if trackerAdapter != nil {
		trackerWatcher = tracker.New(store, trackerAdapter, trackerChatPoster, trackerSession, tracker.NewDefaultPromptBuilder(), listRunner, cfg.Tracker, log)
		trackerWatcher = trackerWatcher.WithCompactor(&registryCompactor{registry: runners}, sessions)
		listRunRef.watcher = trackerWatcher
	}

	chanWatchCfg := cfg.ChannelWatch
	chanWatchCfg.BotUserID = botUserID
	chanObserver := channelobserver.New(store, llm, counter, reactions, &hybridSessionStarter{exec: sessExec}, &slogDebugLogger{router: router, debugChannel: chanWatchCfg.DebugChannelID, log: log}, chanWatchCfg)

	activeChannels := newChannelSet()
	go consumeInbound(ctx, msgBus, store, sessExec, obsPipeline, activeChannels, rateLimiter, cfg, log)
	go pollChannelObserver(ctx, chanObserver, activeChannels, log)

	if trackerWatcher != nil {
		trackerWatcher.Start(ctx)
		defer trackerWatcher.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("conductor serve starting",
		"version", Version,
		"discord", cfg.Channels.Discord.Token != "",
		"telegram", cfg.Channels.Telegram.Token != "",
		"tracker", trackerWatcher != nil,
	)

	sig := <-sigCh
	log.Info("graceful shutdown initiated", "signal", sig)
	msgBus.BroadcastShutdown()
	cancel()
	time.Sleep(500 * time.Millisecond) // let in-flight goroutines observe ctx.Done()
}

// channelSet tracks which channelIDs have seen group traffic, so
// pollChannelObserver only polls channels that are actually active.
type channelSet struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newChannelSet() *channelSet {
	return &channelSet{seen: make(map[string]bool)}
}

func (c *channelSet) add(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[channelID] = true
}

func (c *channelSet) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.seen))
	for k := range c.seen {
		out = append(out, k)
	}
	return out
}

// pollChannelObserver periodically runs the ambient-chatter pipeline over
// every channel that has seen group traffic, the poll-loop counterpart to
// the teacher's ticker-driven background jobs in runGateway.
func pollChannelObserver(ctx context.Context, pipeline *channelobserver.Pipeline, channels *channelSet, log *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, channelID := range channels.list() {
				if err := pipeline.Process(ctx, channelID, nil); err != nil {
					log.Warn("channel-watch process failed", "channel", channelID, "error", err)
				}
			}
		}
	}
}

// consumeInbound drains the bus. Every group message is appended to the
// channel-observer's pending buffer; DMs, and group messages on platforms
// whose adapter is mention-gated (RequireMention, default true), also start
// a session turn. Turns are rate-limited
// per channel:thread key so a noisy sender can't spin up unbounded agent
// sessions.
func consumeInbound(ctx context.Context, b *bus.Bus, store *memstore.Store, exec *executor.SessionExecutor, obs *observation.Pipeline, active *channelSet, limiter *chatutil.RateLimiter, cfg *config.Config, log *slog.Logger) {
	mentionGated := map[string]bool{
		"discord":  resolveRequireMention(cfg.Channels.Discord.RequireMention),
		"telegram": resolveRequireMention(cfg.Channels.Telegram.RequireMention),
	}

	for {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			return
		}

		channelID := msg.Channel + ":" + msg.ChatID
		threadTS := msg.ThreadTS
		if threadTS == "" {
			threadTS = uniqueTS()
		}

		if msg.PeerKind == "group" {
			active.add(channelID)
			_ = store.AppendPending(channelID, memstore.ChannelMessage{
				TS:       uniqueTS(),
				ThreadTS: threadTS,
				UserID:   msg.UserID,
				Username: msg.Username,
				Text:     msg.Content,
				At:       time.Now(),
			})
		}

		isTurn := msg.PeerKind == "direct" || mentionGated[msg.Channel]
		if !isTurn {
			continue
		}

		role := executor.RoleViewer
		if msg.PeerKind == "direct" {
			role = executor.RoleAdmin
		}

		sessionKey := channelID + ":" + threadTS
		if !limiter.Allow(sessionKey) {
			log.Warn("turn dropped by rate limiter", "session", sessionKey)
			continue
		}

		go func(msg bus.InboundMessage) {
			turnCtx := context.Background()
			_, _, err := exec.RunForOutcome(turnCtx, executor.RunParams{
				SessionKey: sessionKey,
				ThreadTS:   threadTS,
				ChannelID:  channelID,
				MsgTS:      uniqueTS(),
				Prompt:     msg.Content,
				Role:       role,
				UserID:     msg.UserID,
				Username:   msg.Username,
				SourceType: sessionmgr.SourceMention,
			})
			if err != nil {
				log.Error("turn failed", "session", sessionKey, "error", err)
				return
			}
			obs.Observe(turnCtx, threadTS, msg.UserID, []observation.TurnMessage{{Role: "user", Content: msg.Content}})
		}(msg)
	}
}

func resolveRequireMention(p *bool) bool {
	if p == nil {
		return true
	}
	return *p
}

func uniqueTS() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

func firstNonEmpty(ss []string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

func wireTokenIndex(store *memstore.Store, counter *tokencount.Counter, cfg config.StorageConfig, log *slog.Logger) {
	switch cfg.TokenIndexBackend {
	case "sqlite":
		idx, err := sqliteindex.Open(cfg.TokenIndexPath)
		if err != nil {
			log.Warn("token index (sqlite) unavailable, falling back to full scan", "error", err)
			return
		}
		store.SetTokenIndex(idx, counter.Count)
	case "postgres":
		if cfg.PostgresDSN == "" {
			log.Warn("token_index_backend=postgres but CONDUCTOR_POSTGRES_DSN is unset, falling back to full scan")
			return
		}
		idx, err := pgindex.Open(cfg.PostgresDSN)
		if err != nil {
			log.Warn("token index (postgres) unavailable, falling back to full scan", "error", err)
			return
		}
		store.SetTokenIndex(idx, counter.Count)
	}
}

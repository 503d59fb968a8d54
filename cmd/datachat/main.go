// datachat is an interactive terminal client for the chat backend. It keeps
// a local conversation store in sync with the stream while a response is
// produced and reconciles it against the backend's persisted record after
// each completed exchange. Ctrl-C during a response cancels the stream
// without treating it as a failure.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/datachat/datachat/internal/api"
	"github.com/datachat/datachat/internal/chat"
	"github.com/datachat/datachat/internal/common/config"
	apperrors "github.com/datachat/datachat/internal/common/errors"
	"github.com/datachat/datachat/internal/common/logger"
	"github.com/datachat/datachat/internal/localstate"
	"github.com/datachat/datachat/internal/protocol"
	"github.com/datachat/datachat/internal/session"
	"github.com/datachat/datachat/internal/store"
)

type app struct {
	cfg    *config.Config
	log    *logger.Logger
	client *api.Client
	store  *store.Store
	ctrl   *session.Controller

	// current is read from the signal and render goroutines.
	mu      sync.Mutex
	current chat.Thread
}

func (a *app) currentThread() chat.Thread {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *app) setCurrent(t chat.Thread) {
	a.mu.Lock()
	a.current = t
	a.mu.Unlock()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	state, err := localstate.Open(cfg.LocalState.Path)
	if err != nil {
		log.Fatal("Failed to open local state", zap.Error(err))
	}
	defer state.Close()

	client := api.NewClient(cfg.Server.BaseURL, state.AnonymousID(),
		cfg.Server.RequestTimeoutDuration(), log)
	st := store.NewStore(log)
	rec := session.NewReconciler(client, st, cfg.Stream.ReconcileDelayDuration(),
		cfg.Stream.MessageFetchLimit, log)
	ctrl := session.NewController(client, st, rec, cfg.Stream.IdleTimeoutDuration(), log)

	a := &app{cfg: cfg, log: log, client: client, store: st, ctrl: ctrl}
	ctrl.SetObserver(a.renderEvent)

	ctx := context.Background()
	if err := a.loadThreads(ctx); err != nil {
		log.Fatal("Failed to load threads", zap.Error(err))
	}

	// Ctrl-C cancels the active stream instead of killing the process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	go func() {
		for range sigCh {
			if !a.ctrl.CancelThread(a.currentThread().ID) {
				fmt.Println("\nBye.")
				os.Exit(0)
			}
		}
	}()

	a.repl(ctx)
}

func (a *app) loadThreads(ctx context.Context) error {
	threads, err := a.client.ListThreads(ctx, false, a.cfg.Chat.ThreadListLimit)
	if err != nil {
		return err
	}
	a.store.SetThreads(threads)
	if len(threads) > 0 {
		return a.switchThread(ctx, threads[0])
	}
	return a.newThread(ctx, "New chat")
}

func (a *app) newThread(ctx context.Context, title string) error {
	t, err := a.client.CreateThread(ctx, title)
	if err != nil {
		return err
	}
	a.store.UpsertThread(t)
	a.setCurrent(t)
	fmt.Printf("-- thread %q (%s)\n", t.Title, t.ID)
	return nil
}

func (a *app) switchThread(ctx context.Context, t chat.Thread) error {
	a.setCurrent(t)
	msgs, err := a.client.ListMessages(ctx, t.ID, a.cfg.Stream.MessageFetchLimit)
	if err != nil {
		return err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	a.store.ApplyAuthoritative(t.ID, msgs)
	fmt.Printf("-- thread %q (%d messages)\n", t.Title, len(msgs))
	for _, m := range msgs {
		if m.Role == chat.RoleUser || m.Role == chat.RoleAssistant {
			fmt.Printf("%s: %s\n", m.Role, m.Content.Text)
		}
	}
	return nil
}

func (a *app) repl(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("datachat (type /help for commands)")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") && !a.isScenario(line) {
			if quit := a.command(ctx, line); quit {
				return
			}
			continue
		}
		a.send(ctx, line)
	}
}

// isScenario lets mock-backend scenario commands pass through as messages.
func (a *app) isScenario(line string) bool {
	for _, p := range []string{"/error", "/tool", "/slow", "/summarize"} {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func (a *app) command(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/q":
		return true
	case "/help":
		fmt.Println("/new [title], /threads, /switch N, /archive, /title <t>, /config, /cancel, /quit")
	case "/new":
		title := arg
		if title == "" {
			title = "New chat"
		}
		if err := a.newThread(ctx, title); err != nil {
			a.alert(err)
		}
	case "/threads":
		currentID := a.currentThread().ID
		for i, t := range a.store.Threads() {
			marker := " "
			if t.ID == currentID {
				marker = "*"
			}
			fmt.Printf("%s %d. %s\n", marker, i+1, t.Title)
		}
	case "/switch":
		n, err := strconv.Atoi(arg)
		threads := a.store.Threads()
		if err != nil || n < 1 || n > len(threads) {
			fmt.Println("usage: /switch N")
			break
		}
		if err := a.switchThread(ctx, threads[n-1]); err != nil {
			a.alert(err)
		}
	case "/archive":
		t, err := a.client.ArchiveThread(ctx, a.currentThread().ID)
		if err != nil {
			a.alert(err)
			break
		}
		a.store.UpsertThread(t)
		fmt.Printf("-- archived %q\n", t.Title)
	case "/title":
		if arg == "" {
			fmt.Println("usage: /title <title>")
			break
		}
		t, err := a.client.UpdateThreadTitle(ctx, a.currentThread().ID, arg)
		if err != nil {
			a.alert(err)
			break
		}
		a.setCurrent(t)
		a.store.SetTitle(t.ID, t.Title)
	case "/config":
		cfg, err := a.client.GetThreadConfig(ctx, a.currentThread().ID)
		if err != nil {
			a.alert(err)
			break
		}
		window := chat.EffectiveContextWindow(cfg.ContextWindow, nil, a.cfg.Chat.ContextWindow)
		model := "(default)"
		if cfg.Model != nil {
			model = *cfg.Model
		}
		fmt.Printf("model=%s context_window=%d\n", model, window)
	case "/cancel":
		if !a.ctrl.CancelThread(a.currentThread().ID) {
			fmt.Println("no active stream")
		}
	default:
		fmt.Println("unknown command, /help for help")
	}
	return false
}

func (a *app) send(ctx context.Context, text string) {
	sess := a.ctrl.Begin(ctx, a.currentThread().ID, text)
	res, err := sess.Wait(ctx)
	fmt.Println()
	if err != nil {
		a.alert(err)
		return
	}
	switch res.Outcome {
	case session.OutcomeError:
		a.alert(res.Err)
	case session.OutcomeAborted:
		// Cancellation is not a failure; no alert.
		fmt.Println("(cancelled)")
	}
}

// renderEvent runs on the session's dispatch goroutine; keep it print-only.
func (a *app) renderEvent(threadID string, ev protocol.Event) {
	if threadID != a.currentThread().ID {
		return
	}
	switch ev.Type {
	case protocol.EventToken:
		fmt.Print(ev.Content)
	case protocol.EventToolStart:
		fmt.Printf("\n[%s running...]\n", ev.Name)
	case protocol.EventToolEnd:
		if len(ev.Artifacts) > 0 {
			fmt.Printf("[%s produced %d artifact(s)]\n", ev.Name, len(ev.Artifacts))
		} else {
			fmt.Printf("[%s finished]\n", ev.Name)
		}
	case protocol.EventTitleUpdated:
		fmt.Printf("\n[thread titled %q]\n", ev.Title)
	case protocol.EventSummarizing:
		if ev.Status == protocol.SummarizingStart {
			fmt.Print("\n[summarizing conversation...]\n")
		}
	case protocol.EventContextUpdate:
		fmt.Printf("[context %d/%d tokens]\n", ev.TokensUsed, ev.MaxTokens)
	}
}

func (a *app) alert(err error) {
	if apperrors.IsAborted(err) {
		fmt.Println("(cancelled)")
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

// Package orchestrator is the junction between the IM edge and the ACP
// agent: it owns the active-session table, the per-session locks, the
// streaming cards and the permission flow.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robfig/cron/v3"

	"github.com/larkcoder/larkcoder/internal/agent/acpbridge"
	"github.com/larkcoder/larkcoder/internal/agent/process"
	"github.com/larkcoder/larkcoder/internal/config"
	"github.com/larkcoder/larkcoder/internal/lark"
	"github.com/larkcoder/larkcoder/internal/store"
)

const (
	msgNoSession  = "No active session found."
	msgAgentBusy  = "Agent is currently working. Please wait."
	summaryDone   = "Done"
	updateBacklog = 512
)

// Orchestrator implements lark.Handler: it receives inbound messages and
// card actions and drives agent sessions.
type Orchestrator struct {
	log       *slog.Logger
	cfg       *config.Config
	store     *store.Store
	messenger lark.Messenger
	docs      lark.DocClient
	procs     *process.Manager

	mu     sync.Mutex
	active map[string]*ActiveSession
	locks  map[string]*sync.Mutex

	dedup *expirable.LRU[string, struct{}]
	cron  *cron.Cron

	shuttingDown atomic.Bool
}

// New builds an orchestrator and starts the event-prune schedule.
func New(log *slog.Logger, cfg *config.Config, st *store.Store, messenger lark.Messenger, docs lark.DocClient, procs *process.Manager) *Orchestrator {
	o := &Orchestrator{
		log:       log.With("component", "orchestrator"),
		cfg:       cfg,
		store:     st,
		messenger: messenger,
		docs:      docs,
		procs:     procs,
		active:    make(map[string]*ActiveSession),
		locks:     make(map[string]*sync.Mutex),
		dedup:     expirable.NewLRU[string, struct{}](4096, nil, cfg.Events.DedupTTL),
		cron:      cron.New(),
	}
	o.startPruner()
	return o
}

// HandleMessage processes one inbound text message. Called fire-and-forget
// from the IM event loop.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg lark.InboundMessage) {
	if !o.claimEvent(ctx, msg.EventID) {
		o.log.Debug("duplicate event ignored", "event_id", msg.EventID)
		return
	}

	cmd := parseCommand(msg.Text)
	switch cmd.Kind {
	case cmdShell:
		o.handleShell(ctx, msg, cmd.Args)
	case cmdSlash:
		o.handleSlash(ctx, msg, cmd)
	default:
		if strings.TrimSpace(msg.Text) == "" {
			return
		}
		o.handlePrompt(ctx, msg, msg.Text)
	}
}

// claimEvent returns true when this delivery of eventID is the first one.
// An in-memory LRU takes the fast path; the processed_events table makes the
// claim durable across restarts.
func (o *Orchestrator) claimEvent(ctx context.Context, eventID string) bool {
	if eventID == "" {
		return true
	}
	if _, seen := o.dedup.Get(eventID); seen {
		return false
	}
	o.dedup.Add(eventID, struct{}{})

	first, err := o.store.MarkEventProcessed(ctx, eventID)
	if err != nil {
		// Better to risk a duplicate than to drop a user message.
		o.log.Warn("event dedup check failed", "event_id", eventID, "error", err)
		return true
	}
	return first
}

// handlePrompt resolves (or creates) the session for a plain-text message
// and runs one agent turn with it.
func (o *Orchestrator) handlePrompt(ctx context.Context, msg lark.InboundMessage, text string) {
	sess, err := o.resolveSession(ctx, msg)
	if err != nil {
		o.log.Error("resolving session", "chat_id", msg.ChatID, "error", err)
		o.replyText(ctx, msg.MessageID, "Failed to look up the session. Please try again.")
		return
	}
	if sess == nil {
		created, cerr := o.createSession(ctx, msg, text)
		if cerr != nil {
			o.log.Error("creating session", "chat_id", msg.ChatID, "error", cerr)
			o.replyText(ctx, msg.MessageID, "Failed to create a session. Please try again.")
			return
		}
		sess = &created
	}
	o.runPrompt(ctx, msg.MessageID, *sess, text)
}

// createSession persists a fresh idle session bound to the message's thread,
// inheriting the chat's active project directory when one is set.
func (o *Orchestrator) createSession(ctx context.Context, msg lark.InboundMessage, initialPrompt string) (store.Session, error) {
	threadID := msg.RootID
	if threadID == "" {
		threadID = msg.MessageID
	}
	projectID, workingDir, err := o.sessionHome(ctx, msg.ChatID)
	if err != nil {
		return store.Session{}, err
	}
	return o.store.CreateSession(ctx, store.Session{
		ID:            uuid.New().String(),
		ChatID:        msg.ChatID,
		ThreadID:      threadID,
		CreatorID:     msg.SenderID,
		Status:        store.StatusIdle,
		InitialPrompt: initialPrompt,
		WorkingDir:    workingDir,
		ProjectID:     projectID,
	})
}

// sessionHome picks the working directory for a new session: the active
// project's folder when the chat has one, else the base directory.
func (o *Orchestrator) sessionHome(ctx context.Context, chatID string) (projectID, workingDir string, err error) {
	base, err := filepath.Abs(o.cfg.Agent.WorkDir)
	if err != nil {
		return "", "", fmt.Errorf("resolving work dir: %w", err)
	}

	pid, err := o.store.ActiveProject(ctx, chatID)
	if err != nil {
		return "", "", err
	}
	if pid == "" {
		return "", base, nil
	}
	proj, err := o.store.GetProject(ctx, pid)
	if errors.Is(err, store.ErrProjectNotFound) {
		// Stale binding; fall back to the base dir.
		_ = o.store.ClearActiveProject(ctx, chatID)
		return "", base, nil
	}
	if err != nil {
		return "", "", err
	}
	return proj.ID, filepath.Join(base, proj.FolderName), nil
}

// runPrompt runs one full agent turn: status transition, lazy session start,
// streaming card, the blocking ACP prompt, and the close-out.
func (o *Orchestrator) runPrompt(ctx context.Context, replyToID string, sess store.Session, text string) {
	log := o.log.With("session_id", sess.ID)

	if err := o.store.SetStatus(ctx, sess.ID, store.StatusIdle, store.StatusRunning); err != nil {
		var stateErr *store.SessionStateError
		if errors.As(err, &stateErr) {
			o.replyText(ctx, replyToID, msgAgentBusy)
			return
		}
		log.Error("status transition failed", "error", err)
		o.replyText(ctx, replyToID, "Failed to start the agent. Please try again.")
		return
	}

	var active *ActiveSession
	var startErr error
	o.withSessionLock(sess.ID, func() {
		active, startErr = o.ensureActive(ctx, sess)
		if startErr == nil && (active.shellCancel != nil || active.Card != nil) {
			startErr = errBusy
		}
		if startErr == nil {
			startErr = o.openCard(ctx, active, replyToID)
		}
	})
	if errors.Is(startErr, errBusy) {
		if err := o.store.SetStatus(ctx, sess.ID, store.StatusRunning, store.StatusIdle); err != nil {
			log.Warn("status rollback failed", "error", err)
		}
		o.replyText(ctx, replyToID, msgAgentBusy)
		return
	}
	if startErr != nil {
		log.Error("session start failed", "error", startErr)
		if err := o.store.SetStatus(ctx, sess.ID, store.StatusRunning, store.StatusIdle); err != nil {
			log.Warn("status rollback failed", "error", err)
		}
		o.replyText(ctx, replyToID, "Failed to start the agent: "+startErr.Error())
		if active != nil {
			o.withSessionLock(sess.ID, func() {
				o.dropActive(ctx, active, "Failed")
			})
			_ = o.procs.Kill(sess.ID)
		}
		return
	}

	promptCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	o.withSessionLock(sess.ID, func() { active.promptCancel = cancel })

	stop, promptErr := active.Bridge.Prompt(promptCtx, active.ACPSessionID, text)

	endCtx := context.WithoutCancel(ctx)
	o.withSessionLock(sess.ID, func() {
		active.promptCancel = nil
		o.closeCard(endCtx, active, turnSummary(active, stop, promptErr))
	})
	if err := o.store.SetStatus(endCtx, sess.ID, store.StatusRunning, store.StatusIdle); err != nil {
		var stateErr *store.SessionStateError
		if !errors.As(err, &stateErr) {
			log.Warn("status reset failed", "error", err)
		}
	}
	if promptErr != nil {
		log.Error("prompt failed", "error", promptErr)
		o.replyText(endCtx, replyToID, "Agent error: "+promptErr.Error())
	}
}

// turnSummary picks the closed card's summary line. Must run under the
// session lock while the card is still attached.
func turnSummary(a *ActiveSession, stop acpsdk.StopReason, err error) string {
	switch {
	case err != nil:
		return "Agent failed"
	case stop == acpsdk.StopReasonCancelled:
		return "Cancelled"
	}
	if a.Card != nil {
		return summarize(a.Card.accumulated, summaryDone)
	}
	return summaryDone
}

// summarize clips text to its first 100 runes, falling back when empty.
func summarize(text, fallback string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}
	if utf8.RuneCountInString(text) <= 100 {
		return text
	}
	runes := []rune(text)
	return string(runes[:100]) + "…"
}

// ensureActive returns the live ActiveSession for sess, spawning the agent
// and opening the ACP session when needed. Caller holds the session lock.
func (o *Orchestrator) ensureActive(ctx context.Context, sess store.Session) (*ActiveSession, error) {
	if a := o.getActive(sess.ID); a != nil {
		if a.Proc == nil || o.procs.IsAlive(sess.ID) {
			return a, nil
		}
		o.dropActive(ctx, a, "Agent exited")
	}

	a := newActiveSession(sess.ID, sess.ChatID)

	var reader io.Reader
	var writer io.Writer
	if o.cfg.Agent.Transport == "sse" {
		if err := os.MkdirAll(sess.WorkingDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating working dir: %w", err)
		}
		tr := acpbridge.NewSSETransport(o.log, acpbridge.SSEConfig{
			StreamURL:          o.cfg.Agent.SSEURL,
			SendURL:            o.cfg.Agent.SSESendURL,
			HeartbeatTimeout:   o.cfg.Agent.HeartbeatTimeout,
			ReconnectBaseDelay: o.cfg.Agent.ReconnectBaseDelay,
			MaxRetries:         o.cfg.Agent.MaxRetries,
		})
		a.Transport = tr
		reader, writer = tr.Reader(), tr.Writer()
	} else {
		proc, err := o.procs.Spawn(sess.ID, sess.WorkingDir)
		if err != nil {
			return nil, fmt.Errorf("spawning agent: %w", err)
		}
		a.Proc = proc
		reader, writer = proc.Stdout, proc.Stdin
	}

	a.Tools = acpbridge.NewToolRegistry()
	sessionID := sess.ID
	acpbridge.RegisterDocTools(a.Tools, o.docs, func() string {
		return o.docTokenFor(sessionID)
	})

	a.Bridge = acpbridge.New(o.log, writer, reader, acpbridge.Hooks{
		OnUpdate: func(_ context.Context, n acpsdk.SessionNotification) {
			select {
			case a.updates <- n:
			case <-a.quit:
			}
		},
		OnPermission: func(ctx context.Context, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
			return o.resolvePermission(ctx, a, req)
		},
	}, a.Tools)

	cleanup := func() {
		if a.Transport != nil {
			_ = a.Transport.Close()
		}
		if a.Proc != nil {
			_ = o.procs.Kill(sess.ID)
		}
	}

	if err := a.Bridge.Initialize(ctx); err != nil {
		cleanup()
		return nil, fmt.Errorf("initializing agent: %w", err)
	}

	var info acpbridge.SessionInfo
	var err error
	if sess.ACPSessionID != "" {
		info, err = a.Bridge.ResumeSession(ctx, sess.ACPSessionID, sess.WorkingDir)
	} else {
		info, err = a.Bridge.NewSession(ctx, sess.WorkingDir)
	}
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("opening agent session: %w", err)
	}

	a.ACPSessionID = info.SessionID
	a.applySessionState(info.Models, info.Modes)
	if info.SessionID != sess.ACPSessionID {
		if serr := o.store.SetACPSessionID(ctx, sess.ID, info.SessionID); serr != nil {
			o.log.Warn("recording acp session id failed", "session_id", sess.ID, "error", serr)
		}
	}
	if sess.Mode != "" && sess.Mode != a.CurrentMode {
		if merr := a.Bridge.SetSessionMode(ctx, a.ACPSessionID, sess.Mode); merr != nil {
			o.log.Warn("restoring session mode failed", "session_id", sess.ID, "mode", sess.Mode, "error", merr)
		} else {
			a.CurrentMode = sess.Mode
		}
	}

	o.setActive(a)
	go o.consumeUpdates(a)
	if a.Proc != nil {
		go o.watchProcess(a)
	} else {
		go o.watchBridge(a)
	}
	return a, nil
}

// consumeUpdates serializes inbound session updates through the session
// lock, preserving their arrival order against card patches.
func (o *Orchestrator) consumeUpdates(a *ActiveSession) {
	for {
		select {
		case <-a.quit:
			return
		case n := <-a.updates:
			o.withSessionLock(a.ID, func() {
				o.applyUpdate(context.Background(), a, n)
			})
		}
	}
}

// watchProcess tears the session down when its agent process exits.
func (o *Orchestrator) watchProcess(a *ActiveSession) {
	<-a.Proc.Done()
	if o.shuttingDown.Load() {
		return
	}
	o.log.Warn("agent process exited", "session_id", a.ID, "error", a.Proc.ExitErr())
	ctx := context.Background()
	o.withSessionLock(a.ID, func() {
		if o.getActive(a.ID) != a {
			return
		}
		o.dropActive(ctx, a, "Agent exited")
	})
	if err := o.store.SetStatus(ctx, a.ID, store.StatusRunning, store.StatusIdle); err != nil {
		var stateErr *store.SessionStateError
		if !errors.As(err, &stateErr) && !errors.Is(err, store.ErrSessionNotFound) {
			o.log.Warn("status reset after exit failed", "session_id", a.ID, "error", err)
		}
	}
}

// watchBridge is the SSE analogue of watchProcess.
func (o *Orchestrator) watchBridge(a *ActiveSession) {
	<-a.Bridge.Done()
	if o.shuttingDown.Load() {
		return
	}
	o.log.Warn("agent connection closed", "session_id", a.ID)
	o.withSessionLock(a.ID, func() {
		if o.getActive(a.ID) != a {
			return
		}
		o.dropActive(context.Background(), a, "Agent disconnected")
	})
}

// dropActive releases everything an ActiveSession holds: pending permission
// resolvers, the streaming card, the update consumer and the transport.
// Caller holds the session lock. Safe to call twice.
func (o *Orchestrator) dropActive(ctx context.Context, a *ActiveSession, summary string) {
	select {
	case <-a.quit:
		return
	default:
	}
	close(a.quit)

	if a.promptCancel != nil {
		a.promptCancel()
		a.promptCancel = nil
	}
	if a.shellCancel != nil {
		a.shellCancel()
		a.shellCancel = nil
	}
	for id, r := range a.resolvers {
		r.resolveCancelled()
		delete(a.resolvers, id)
	}
	if a.Card != nil {
		o.closeCard(ctx, a, summary)
	}
	if a.Transport != nil {
		_ = a.Transport.Close()
	}
	o.removeActive(a.ID, a)
}

// docTokenFor reads the session's bound doc token; used by the doc tools.
func (o *Orchestrator) docTokenFor(sessionID string) string {
	sess, err := o.store.GetSession(context.Background(), sessionID)
	if err != nil {
		return ""
	}
	return sess.DocToken
}

// Shutdown stops all sessions: permission requests resolve cancelled, cards
// close, agent processes receive SIGTERM.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.shuttingDown.Store(true)
	o.cron.Stop()

	for _, a := range o.activeSnapshot() {
		o.withSessionLock(a.ID, func() {
			o.dropActive(ctx, a, "Shutting down")
		})
		if err := o.store.SetStatus(ctx, a.ID, store.StatusRunning, store.StatusIdle); err != nil {
			var stateErr *store.SessionStateError
			if !errors.As(err, &stateErr) {
				o.log.Warn("status reset on shutdown failed", "session_id", a.ID, "error", err)
			}
		}
	}
	o.procs.KillAll()
}

// startPruner schedules the processed-event cleanup.
func (o *Orchestrator) startPruner() {
	schedule := o.cfg.Events.PruneSchedule
	if schedule == "" {
		return
	}
	_, err := o.cron.AddFunc(schedule, func() {
		n, err := o.store.PruneEvents(context.Background(), o.cfg.Events.MaxAge)
		if err != nil {
			o.log.Warn("pruning events failed", "error", err)
			return
		}
		if n > 0 {
			o.log.Debug("pruned processed events", "count", n)
		}
	})
	if err != nil {
		o.log.Warn("invalid prune schedule", "schedule", schedule, "error", err)
		return
	}
	o.cron.Start()
}

// replyText replies to a message with plain text, logging failures.
func (o *Orchestrator) replyText(ctx context.Context, replyToID, text string) {
	if _, err := o.messenger.ReplyMessage(ctx, replyToID, lark.MsgTypeText, lark.TextContent(text)); err != nil {
		o.log.Warn("reply failed", "message_id", replyToID, "error", err)
	}
}

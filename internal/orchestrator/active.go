package orchestrator

import (
	"context"
	"io"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/larkcoder/larkcoder/internal/agent/acpbridge"
	"github.com/larkcoder/larkcoder/internal/agent/process"
)

// ActiveSession is the in-memory half of a session: the live agent
// connection plus everything the card renderer and permission flow need.
// All mutation happens under the session's lock (withSessionLock); the
// orchestrator's map is the only owner.
type ActiveSession struct {
	ID     string
	ChatID string

	Bridge    *acpbridge.Bridge
	Proc      *process.Process // nil for the SSE transport
	Transport io.Closer        // nil for stdio

	ACPSessionID string
	Tools        *acpbridge.ToolRegistry

	AvailableCommands []acpsdk.AvailableCommand
	AvailableModels   []acpsdk.ModelInfo
	AvailableModes    []acpsdk.SessionMode
	CurrentMode       string
	CurrentModel      string
	CurrentPlan       []acpsdk.PlanEntry

	Card          *streamingCard
	cardSequences map[string]int
	toolElements  map[string]*toolElement
	resolvers     map[string]*permissionResolver

	promptCancel context.CancelFunc
	shellCancel  context.CancelFunc

	// updates serializes inbound session updates; quit closes on teardown.
	updates chan acpsdk.SessionNotification
	quit    chan struct{}
}

func newActiveSession(id, chatID string) *ActiveSession {
	return &ActiveSession{
		ID:            id,
		ChatID:        chatID,
		cardSequences: make(map[string]int),
		toolElements:  make(map[string]*toolElement),
		resolvers:     make(map[string]*permissionResolver),
		updates:       make(chan acpsdk.SessionNotification, updateBacklog),
		quit:          make(chan struct{}),
	}
}

// nextSequence allocates the next patch sequence for a card. Sequences are
// per-card and strictly increasing; this is the only legal way to get one.
func (a *ActiveSession) nextSequence(cardID string) int {
	a.cardSequences[cardID]++
	return a.cardSequences[cardID]
}

// applySessionState folds the agent's announced models and modes in.
func (a *ActiveSession) applySessionState(models *acpsdk.SessionModelState, modes *acpsdk.SessionModeState) {
	if models != nil {
		a.AvailableModels = models.AvailableModels
		a.CurrentModel = string(models.CurrentModelId)
	}
	if modes != nil {
		a.AvailableModes = modes.AvailableModes
		a.CurrentMode = string(modes.CurrentModeId)
	}
}

// ConfigOption is one tunable exposed through /config. Options are derived
// from the agent's announced session state rather than a dedicated wire
// surface.
type ConfigOption struct {
	ID      string
	Name    string
	Current string
	Values  []ConfigValue
}

// ConfigValue is one selectable value of a ConfigOption.
type ConfigValue struct {
	ID   string
	Name string
}

const (
	configOptionMode  = "mode"
	configOptionModel = "model"
)

// configOptions derives the session's config surface from its modes and
// models.
func (a *ActiveSession) configOptions() []ConfigOption {
	var opts []ConfigOption
	if len(a.AvailableModes) > 0 {
		opt := ConfigOption{ID: configOptionMode, Name: "Permission mode", Current: a.CurrentMode}
		for _, m := range a.AvailableModes {
			opt.Values = append(opt.Values, ConfigValue{ID: string(m.Id), Name: m.Name})
		}
		opts = append(opts, opt)
	}
	if len(a.AvailableModels) > 0 {
		opt := ConfigOption{ID: configOptionModel, Name: "Model", Current: a.CurrentModel}
		for _, m := range a.AvailableModels {
			opt.Values = append(opt.Values, ConfigValue{ID: string(m.ModelId), Name: m.Name})
		}
		opts = append(opts, opt)
	}
	return opts
}

func (a *ActiveSession) configOption(id string) (ConfigOption, bool) {
	for _, opt := range a.configOptions() {
		if opt.ID == id {
			return opt, true
		}
	}
	return ConfigOption{}, false
}

// sessionLock returns the lock for a session id, creating it on first use.
// Locks are never removed; they are tiny and session ids are few.
func (o *Orchestrator) sessionLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	return l
}

// withSessionLock runs fn while holding the session's lock. Callers must
// not re-enter for the same id.
func (o *Orchestrator) withSessionLock(id string, fn func()) {
	l := o.sessionLock(id)
	l.Lock()
	defer l.Unlock()
	fn()
}

func (o *Orchestrator) getActive(id string) *ActiveSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[id]
}

func (o *Orchestrator) setActive(a *ActiveSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[a.ID] = a
}

func (o *Orchestrator) removeActive(id string, a *ActiveSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.active[id]; ok && (a == nil || cur == a) {
		delete(o.active, id)
	}
}

func (o *Orchestrator) activeSnapshot() []*ActiveSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*ActiveSession, 0, len(o.active))
	for _, a := range o.active {
		out = append(out, a)
	}
	return out
}

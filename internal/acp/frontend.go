package acp

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// bridgeFrontend implements runloop.Frontend by translating every runloop
// event into a session/update notification (§4.6, §8 "Ordering
// guarantees": frontend updates for one turn are emitted in the order
// produced, which holds here because each Emit* call blocks on one
// synchronous Notify).
type bridgeFrontend struct {
	ctx       context.Context
	sessionID string
	notifier  Notifier
}

func (f *bridgeFrontend) send(update interface{}) {
	raw, err := json.Marshal(update)
	if err != nil {
		log.Error().Err(err).Msg("acp: failed to marshal session update")
		return
	}
	err = f.notifier.Notify(f.ctx, "session/update", SessionUpdateNotification{
		SessionID: f.sessionID,
		Update:    raw,
	})
	if err != nil {
		log.Warn().Err(err).Str("session", f.sessionID).Msg("acp: session/update notify failed")
	}
}

func (f *bridgeFrontend) EmitUserChunk(text string) {
	f.send(textChunkUpdate{Kind: UpdateUserMessageChunk, Text: text})
}

func (f *bridgeFrontend) EmitAssistantChunk(text string) {
	f.send(textChunkUpdate{Kind: UpdateAgentMessageChunk, Text: text})
}

func (f *bridgeFrontend) EmitThoughtChunk(text string) {
	f.send(textChunkUpdate{Kind: UpdateAgentThoughtChunk, Text: text})
}

func (f *bridgeFrontend) EmitPlanUpdate(plan map[string]string) {
	f.send(planUpdate{Kind: UpdatePlan, Steps: plan})
}

func (f *bridgeFrontend) EmitToolDisableNotice(toolName, reason string) {
	f.send(toolDisableUpdate{Kind: UpdateToolDisableNotice, Tool: toolName, Reason: reason})
}

func (f *bridgeFrontend) EmitError(err error) {
	log.Error().Err(err).Str("session", f.sessionID).Msg("acp: turn error")
	f.send(textChunkUpdate{Kind: UpdateAgentMessageChunk, Text: "error: " + err.Error()})
}

func (f *bridgeFrontend) emitCurrentMode(modeID string) {
	f.send(currentModeUpdate{Kind: UpdateCurrentModeUpdate, ModeID: modeID})
}

func (f *bridgeFrontend) emitAvailableCommands(names []string) {
	cmds := make([]availableCommand, len(names))
	for i, n := range names {
		cmds[i] = availableCommand{Name: n}
	}
	f.send(availableCommandsUpdate{Kind: UpdateAvailableCommands, Commands: cmds})
}

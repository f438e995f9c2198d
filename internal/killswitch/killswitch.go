// Package killswitch implements an emergency stop mechanism that operates
// outside the policy evaluation path. When triggered, it immediately
// blocks all ingest/execution for the whole deployment or for one node —
// checked before policy evaluation, so it cannot be bypassed by anything
// a policy or action handler does.
package killswitch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Scope determines what the kill switch affects.
type Scope string

const (
	ScopeGlobal Scope = "global" // every node
	ScopeNode   Scope = "node"   // one specific node
)

// TriggerRecord logs who/what triggered the kill switch and when.
type TriggerRecord struct {
	Scope     Scope     `json:"scope"`
	NodeID    string    `json:"node_id,omitempty"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"` // api, cli, dashboard, file
	Timestamp time.Time `json:"timestamp"`
}

// KillSwitch is an emergency stop mechanism that blocks all ingest and
// action execution when triggered. It is checked BEFORE policy
// evaluation, so a runaway policy or a compromised agent node cannot
// reason its way around it.
type KillSwitch struct {
	mu sync.RWMutex

	globalTriggered bool
	nodeKills       map[string]TriggerRecord // keyed by NodeID
	history         []TriggerRecord

	// fileWatchPath is checked for a KILL sentinel file.
	fileWatchPath string

	logger *slog.Logger
}

// New creates a new KillSwitch. fileWatchPath defaults to
// ~/.canon/KILL — if a file ever appears there, CheckFileKill trips the
// global switch.
func New(logger *slog.Logger) *KillSwitch {
	if logger == nil {
		logger = slog.Default()
	}

	homeDir, _ := os.UserHomeDir()
	watchPath := filepath.Join(homeDir, ".canon", "KILL")

	return &KillSwitch{
		nodeKills:     make(map[string]TriggerRecord),
		fileWatchPath: watchPath,
		logger:        logger.With("component", "killswitch"),
	}
}

// IsBlocked checks whether a node's actions should be blocked. Called on
// every ingest, ahead of policy evaluation; must be fast.
func (ks *KillSwitch) IsBlocked(nodeID string) (bool, string) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.globalTriggered {
		return true, "global kill switch activated"
	}
	if record, ok := ks.nodeKills[nodeID]; ok {
		return true, fmt.Sprintf("node kill switch activated: %s", record.Reason)
	}
	return false, ""
}

// TriggerGlobal activates the global kill switch, blocking every node.
func (ks *KillSwitch) TriggerGlobal(reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.globalTriggered = true
	record := TriggerRecord{Scope: ScopeGlobal, Reason: reason, Source: source, Timestamp: time.Now()}
	ks.history = append(ks.history, record)

	ks.logger.Error("GLOBAL KILL SWITCH TRIGGERED", "reason", reason, "source", source)
}

// TriggerNode activates the kill switch for a specific node.
func (ks *KillSwitch) TriggerNode(nodeID, reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	record := TriggerRecord{Scope: ScopeNode, NodeID: nodeID, Reason: reason, Source: source, Timestamp: time.Now()}
	ks.nodeKills[nodeID] = record
	ks.history = append(ks.history, record)

	ks.logger.Error("NODE KILL SWITCH TRIGGERED", "node_id", nodeID, "reason", reason, "source", source)
}

// ResetGlobal disarms the global kill switch.
func (ks *KillSwitch) ResetGlobal() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.globalTriggered = false
	ks.logger.Info("global kill switch reset")
}

// ResetNode disarms the kill switch for a specific node.
func (ks *KillSwitch) ResetNode(nodeID string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.nodeKills, nodeID)
	ks.logger.Info("node kill switch reset", "node_id", nodeID)
}

// Status returns the current state of all kill switches.
func (ks *KillSwitch) Status() map[string]interface{} {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	nodeKills := make(map[string]TriggerRecord, len(ks.nodeKills))
	for k, v := range ks.nodeKills {
		nodeKills[k] = v
	}

	return map[string]interface{}{
		"global_triggered": ks.globalTriggered,
		"node_kills":       nodeKills,
		"history_count":    len(ks.history),
	}
}

// History returns the full trigger history for audit purposes.
func (ks *KillSwitch) History() []TriggerRecord {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]TriggerRecord, len(ks.history))
	copy(out, ks.history)
	return out
}

// CheckFileKill checks for a sentinel KILL file and triggers the global
// kill switch if found. Call this periodically (e.g., every second).
func (ks *KillSwitch) CheckFileKill() {
	if ks.fileWatchPath == "" {
		return
	}
	if _, err := os.Stat(ks.fileWatchPath); err == nil {
		ks.mu.RLock()
		alreadyTriggered := ks.globalTriggered
		ks.mu.RUnlock()

		if !alreadyTriggered {
			ks.TriggerGlobal("KILL sentinel file detected", "file")
		}
	}
}

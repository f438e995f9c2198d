package killswitch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKillSwitch_GlobalTrigger(t *testing.T) {
	ks := New(nil)

	blocked, _ := ks.IsBlocked("node-1")
	if blocked {
		t.Fatal("expected not blocked initially")
	}

	ks.TriggerGlobal("runaway policy", "api")

	blocked, msg := ks.IsBlocked("node-1")
	if !blocked {
		t.Fatal("expected blocked after global trigger")
	}
	if msg != "global kill switch activated" {
		t.Errorf("message = %q, want %q", msg, "global kill switch activated")
	}

	blocked, _ = ks.IsBlocked("node-99")
	if !blocked {
		t.Fatal("expected all nodes blocked after global trigger")
	}
}

func TestKillSwitch_GlobalReset(t *testing.T) {
	ks := New(nil)
	ks.TriggerGlobal("test", "cli")

	blocked, _ := ks.IsBlocked("node-1")
	if !blocked {
		t.Fatal("expected blocked")
	}

	ks.ResetGlobal()

	blocked, _ = ks.IsBlocked("node-1")
	if blocked {
		t.Fatal("expected not blocked after reset")
	}
}

func TestKillSwitch_NodeTrigger(t *testing.T) {
	ks := New(nil)

	ks.TriggerNode("node-1", "budget exceeded", "dashboard")

	blocked, msg := ks.IsBlocked("node-1")
	if !blocked {
		t.Fatal("expected node-1 blocked")
	}
	if msg == "" {
		t.Fatal("expected non-empty message")
	}

	blocked, _ = ks.IsBlocked("node-2")
	if blocked {
		t.Fatal("expected node-2 not blocked")
	}
}

func TestKillSwitch_NodeReset(t *testing.T) {
	ks := New(nil)
	ks.TriggerNode("node-1", "test", "api")

	blocked, _ := ks.IsBlocked("node-1")
	if !blocked {
		t.Fatal("expected blocked")
	}

	ks.ResetNode("node-1")

	blocked, _ = ks.IsBlocked("node-1")
	if blocked {
		t.Fatal("expected not blocked after node reset")
	}
}

func TestKillSwitch_PriorityOrder(t *testing.T) {
	ks := New(nil)

	ks.TriggerNode("node-1", "node reason", "api")

	blocked, msg := ks.IsBlocked("node-1")
	if !blocked {
		t.Fatal("expected blocked")
	}
	if msg != "node kill switch activated: node reason" {
		t.Errorf("expected node-level message, got %q", msg)
	}

	ks.TriggerGlobal("global reason", "api")

	blocked, msg = ks.IsBlocked("node-1")
	if !blocked {
		t.Fatal("expected blocked")
	}
	if msg != "global kill switch activated" {
		t.Errorf("expected global message, got %q", msg)
	}
}

func TestKillSwitch_History(t *testing.T) {
	ks := New(nil)

	ks.TriggerGlobal("reason1", "api")
	ks.TriggerNode("node-1", "reason2", "cli")

	history := ks.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Scope != ScopeGlobal {
		t.Errorf("history[0].Scope = %q, want %q", history[0].Scope, ScopeGlobal)
	}
	if history[1].Scope != ScopeNode {
		t.Errorf("history[1].Scope = %q, want %q", history[1].Scope, ScopeNode)
	}
}

func TestKillSwitch_Status(t *testing.T) {
	ks := New(nil)

	status := ks.Status()
	if status["global_triggered"].(bool) {
		t.Error("expected global_triggered=false")
	}
	if status["history_count"].(int) != 0 {
		t.Error("expected history_count=0")
	}

	ks.TriggerGlobal("test", "api")
	ks.TriggerNode("node-1", "test", "api")

	status = ks.Status()
	if !status["global_triggered"].(bool) {
		t.Error("expected global_triggered=true")
	}
	if status["history_count"].(int) != 2 {
		t.Errorf("history_count = %d, want 2", status["history_count"].(int))
	}
	nodes := status["node_kills"].(map[string]TriggerRecord)
	if _, ok := nodes["node-1"]; !ok {
		t.Error("expected node-1 in node_kills")
	}
}

func TestKillSwitch_FileKill(t *testing.T) {
	tmpDir := t.TempDir()
	killFile := filepath.Join(tmpDir, "KILL")

	ks := New(nil)
	ks.fileWatchPath = killFile

	ks.CheckFileKill()
	blocked, _ := ks.IsBlocked("node-1")
	if blocked {
		t.Fatal("expected not blocked without KILL file")
	}

	if err := os.WriteFile(killFile, []byte("STOP"), 0644); err != nil {
		t.Fatal(err)
	}

	ks.CheckFileKill()
	blocked, _ = ks.IsBlocked("node-1")
	if !blocked {
		t.Fatal("expected blocked after KILL file created")
	}

	historyBefore := len(ks.History())
	ks.CheckFileKill()
	historyAfter := len(ks.History())
	if historyAfter != historyBefore {
		t.Errorf("duplicate history entry created: before=%d, after=%d", historyBefore, historyAfter)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleJSON = `{
	"debug": false,
	"log_invalid_cookie": true,
	"development": {
		"mac_addresss": ["a0:85:e3:f4:49:34"],
		"chat_servers": ["ws://dev1.local/ws"]
	},
	"production": {
		"chat_servers": ["wss://prod1.example.com/ws", "wss://prod2.example.com/ws"]
	}
}`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mqtt.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadParsesAllFields(t *testing.T) {
	path := writeTempConfig(t, sampleJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.LogInvalidCookie {
		t.Error("log_invalid_cookie should be true")
	}
	if len(cfg.Development.MacAddresses) != 1 || cfg.Development.MacAddresses[0] != "a0:85:e3:f4:49:34" {
		t.Errorf("development macs = %v", cfg.Development.MacAddresses)
	}
	if len(cfg.Production.ChatServers) != 2 {
		t.Errorf("production chat servers = %v", cfg.Production.ChatServers)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/mqtt.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestManagerWatchReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, sampleJSON)
	mgr, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	if err := mgr.Watch(stop); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	sub := mgr.Subscribe()

	updated := `{"debug":true,"production":{"chat_servers":["wss://only.example.com/ws"]}}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-sub:
		if len(cfg.Production.ChatServers) != 1 || cfg.Production.ChatServers[0] != "wss://only.example.com/ws" {
			t.Errorf("reloaded config = %+v", cfg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload notification")
	}

	if !mgr.Current().Debug {
		t.Error("Current() should reflect the reloaded snapshot")
	}
}

func TestManagerReloadFailureKeepsLastGoodSnapshot(t *testing.T) {
	path := writeTempConfig(t, sampleJSON)
	mgr, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := mgr.Current()

	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("corrupt config: %v", err)
	}
	mgr.reload()

	after := mgr.Current()
	if len(after.Production.ChatServers) != len(before.Production.ChatServers) {
		t.Errorf("snapshot changed after failed reload: before=%+v after=%+v", before, after)
	}
}

func TestManagerReloadRejectsEmptyChatServers(t *testing.T) {
	path := writeTempConfig(t, sampleJSON)
	mgr, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := mgr.Current()

	emptied := `{"debug":false,"production":{"chat_servers":[]}}`
	if err := os.WriteFile(path, []byte(emptied), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	mgr.reload()

	after := mgr.Current()
	if len(after.Production.ChatServers) != len(before.Production.ChatServers) {
		t.Errorf("snapshot changed after reload with empty production chat_servers: before=%+v after=%+v", before, after)
	}
}

func TestManagerReloadRejectsEmptyDevelopmentChatServersWhenMacsListed(t *testing.T) {
	path := writeTempConfig(t, sampleJSON)
	mgr, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := mgr.Current()

	badDev := `{
		"debug": false,
		"development": {"mac_addresss": ["a0:85:e3:f4:49:34"], "chat_servers": []},
		"production": {"chat_servers": ["wss://prod1.example.com/ws"]}
	}`
	if err := os.WriteFile(path, []byte(badDev), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	mgr.reload()

	after := mgr.Current()
	if len(after.Development.ChatServers) != len(before.Development.ChatServers) {
		t.Errorf("snapshot changed after reload with empty development chat_servers: before=%+v after=%+v", before, after)
	}
}

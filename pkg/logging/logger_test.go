package logging

import (
	"os"
	"path/filepath"
	"testing"

	"polyvox/pkg/config"
)

func TestInitCreatesAndRotatesLogs(t *testing.T) {
	dir := t.TempDir()
	serverPath := filepath.Join(dir, "server.log")

	cfg := &config.LogConfig{
		Server: config.LogSettings{Path: serverPath, Level: "INFO"},
		Synth:  config.LogSettings{Path: filepath.Join(dir, "synth.log"), Level: "INFO"},
	}

	cleanup, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	cleanup()

	if _, err := os.Stat(serverPath); err != nil {
		t.Fatalf("server log not created: %v", err)
	}

	// A second Init rotates the existing file to .old.
	cleanup, err = Init(cfg)
	if err != nil {
		t.Fatalf("second Init failed: %v", err)
	}
	cleanup()

	if _, err := os.Stat(serverPath + ".old"); err != nil {
		t.Errorf("expected rotated log at %s.old: %v", serverPath, err)
	}
}

func TestInitWithoutFilesLogsToStdout(t *testing.T) {
	cfg := &config.LogConfig{
		Server: config.LogSettings{Level: "DEBUG"},
	}
	cleanup, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	cleanup()
}

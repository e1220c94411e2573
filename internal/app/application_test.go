package app

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"huddle/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	return cfg
}

func TestNewApplication_InvalidConfigRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Port = -1

	application, err := NewApplication(cfg)
	if err == nil {
		t.Error("Expected error for invalid configuration")
	}
	if application != nil {
		t.Error("Expected nil application on invalid configuration")
	}
}

func TestApplication_StartAndStop(t *testing.T) {
	application, err := NewApplication(testConfig(t))
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestApplication_StopDrainsLiveConnections(t *testing.T) {
	application, err := NewApplication(testConfig(t))
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	channelID, err := application.storeManager.EnsureChannel(ctx, "general")
	if err != nil {
		t.Fatalf("EnsureChannel failed: %v", err)
	}
	if err := application.storeManager.AddMember(ctx, channelID, 100); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}

	url := fmt.Sprintf("ws://%s/ws?channel_id=%d&user_id=100", application.Addr(), channelID)
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer clientConn.Close()

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := clientConn.ReadMessage(); err != nil {
		t.Fatalf("Failed to read connected frame: %v", err)
	}

	if got := application.registry.Stats()["total_connections"]; got != 1 {
		t.Fatalf("Expected 1 live connection before Stop, got %d", got)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The websocket was drained, not abandoned.
	if got := application.registry.Stats()["total_connections"]; got != 0 {
		t.Errorf("Expected registry drained after Stop, %d connections left", got)
	}
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := clientConn.ReadMessage(); err == nil {
		t.Error("Client socket still open after Stop")
	}
}

func TestApplication_ComponentGraphComplete(t *testing.T) {
	application, err := NewApplication(testConfig(t))
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		application.Stop(ctx)
	}()

	if application.storeManager == nil {
		t.Error("Store manager not wired")
	}
	if application.registry == nil {
		t.Error("Registry not wired")
	}
	if application.broadcaster == nil {
		t.Error("Broadcaster not wired")
	}
	if application.presence == nil {
		t.Error("Presence tracker not wired")
	}
	if application.dispatcher == nil {
		t.Error("Push dispatcher not wired")
	}
	if application.Addr() == "" {
		t.Error("HTTP server address not set")
	}
}

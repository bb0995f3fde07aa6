package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dmwatts/fieldsync/internal/chain"
	"github.com/dmwatts/fieldsync/internal/engine"
	"github.com/dmwatts/fieldsync/internal/remote"
	"github.com/dmwatts/fieldsync/internal/store"
)

func setupServer(t *testing.T) (*Server, *engine.Engine, *chain.Builder) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	cb := chain.NewBuilder(st)
	cfg := engine.DefaultConfig()
	cfg.Logger = log.New(os.Stderr, "[test] ", 0)
	eng := engine.New(st, remote.NewFake(chain.GenesisHash), cb, cfg)

	server := NewServer(eng, &Config{
		Port:   0, // Use random available port
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})
	return server, eng, cb
}

func TestServerStartStop(t *testing.T) {
	server, _, _ := setupServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketConnectionGetsCountsSnapshot(t *testing.T) {
	server, _, _ := setupServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	// New connections get a counts snapshot first
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeCounts {
		t.Errorf("Expected welcome message type %s, got %s", MessageTypeCounts, msg.Type)
	}

	var counts CountsData
	if err := json.Unmarshal(msg.Data, &counts); err != nil {
		t.Fatalf("Failed to unmarshal counts: %v", err)
	}
	if counts.Counts == nil {
		t.Error("Counts snapshot missing")
	}
}

func TestSyncEventsReachClients(t *testing.T) {
	server, eng, cb := setupServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Drain the welcome snapshot
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}

	entry, err := cb.Append(ctx, "proj-1", 35, "retaining wall poured", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := eng.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	// Expect a record_update for our entry reaching synced, interleaved
	// with counts refreshes.
	sawSynced := false
	for !sawSynced {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Failed to read broadcast: %v", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		if msg.Type != MessageTypeRecordUpdate {
			continue
		}

		var ev engine.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("Failed to unmarshal event: %v", err)
		}
		if ev.ID == entry.LocalID && ev.Status == store.StatusSynced {
			sawSynced = true
		}
	}
}

func TestMultipleClients(t *testing.T) {
	server, _, _ := setupServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.GetAddr() + "/ws"

	numClients := 3
	for i := 0; i < numClients; i++ {
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			t.Fatalf("Failed to connect client %d: %v", i, err)
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		if _, _, err := conn.Read(ctx); err != nil {
			t.Fatalf("Failed to read welcome message for client %d: %v", i, err)
		}
	}

	if count := server.ClientCount(); count != numClients {
		t.Errorf("Expected %d clients, got %d", numClients, count)
	}
}

// Command peer joins a room and keeps a JSON document file in sync with the
// room's other peers. Local edits to the file are picked up by a watcher and
// replicated out; remote updates are merged and written back to disk.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/roomsync/roomsync/crdt"
	"github.com/roomsync/roomsync/crypto"
	"github.com/roomsync/roomsync/docwatch"
	"github.com/roomsync/roomsync/protocol"
	"github.com/roomsync/roomsync/session"
)

func main() {
	rendezvousURL := flag.String("rendezvous", "http://localhost:8080", "Rendezvous server base URL")
	docPath := flag.String("doc", "document.json", "Path to the synced JSON document")
	roomID := flag.String("room", "", "Room id (default: create a new room)")
	joinCode := flag.String("join", "", "Share code to redeem for a room id")
	invite := flag.Bool("invite", false, "Print a fresh share code for the room")
	password := flag.String("password", "", "Room password")
	debounce := flag.Duration("debounce", 500*time.Millisecond, "Debounce duration for document edits")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if *password == "" {
		logger.Fatal("a room password is required (-password)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := session.DefaultConfig(*rendezvousURL)
	client := session.NewClient(cfg.RendezvousBaseURL, cfg.RequestDeadline)

	room, err := resolveRoom(ctx, client, *roomID, *joinCode)
	if err != nil {
		logger.Fatal("failed to resolve room", zap.Error(err))
	}
	logger.Info("using room", zap.String("room_id", room))

	if err := checkPassword(*docPath, *password); err != nil {
		logger.Fatal("password check failed", zap.Error(err))
	}

	doc := crdt.NewMap(protocol.NewPeerID())
	if err := loadDocument(*docPath, doc); err != nil {
		logger.Fatal("failed to load document", zap.Error(err))
	}

	// Persist remote changes; local writes already live in the file.
	doc.Subscribe(func(update []byte, origin string) {
		if origin == "" {
			return
		}
		if err := saveDocument(*docPath, doc); err != nil {
			logger.Warn("failed to persist document", zap.Error(err))
		}
	})

	sess, err := session.New(cfg, room, doc, logger)
	if err != nil {
		logger.Fatal("failed to create session", zap.Error(err))
	}
	sess.OnStatus(func(st session.Status, err error) {
		if err != nil {
			logger.Warn("session status", zap.Stringer("status", st), zap.Error(err))
		} else {
			logger.Info("session status", zap.Stringer("status", st))
		}
	})
	sess.OnPeerAuthenticated(func(peerID string) {
		logger.Info("peer connected", zap.String("peer_id", peerID))
	})
	sess.OnPeerDisconnected(func(peerID string) {
		logger.Info("peer disconnected", zap.String("peer_id", peerID))
	})

	if err := sess.Start(ctx, []byte(*password)); err != nil {
		logger.Fatal("failed to start session", zap.Error(err))
	}
	defer sess.Stop()

	if *invite {
		code, err := client.CreateInvite(ctx, room)
		if err != nil {
			logger.Fatal("failed to create invite", zap.Error(err))
		}
		fmt.Printf("Share code (valid 5 minutes, single use): %s\n", code)
	}

	watcher, err := docwatch.NewWatcher(*docPath, *debounce, logger)
	if err != nil {
		logger.Fatal("failed to create watcher", zap.Error(err))
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Fatal("failed to start watcher", zap.Error(err))
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-watcher.Changes():
				if err := reloadDocument(*docPath, doc); err != nil {
					logger.Warn("failed to reload document", zap.Error(err))
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))
}

// resolveRoom picks the room id from the flags: an explicit id, a share code
// to redeem, or a freshly created room.
func resolveRoom(ctx context.Context, client *session.Client, roomID, joinCode string) (string, error) {
	switch {
	case roomID != "":
		if !protocol.ValidRoomID(roomID) {
			return "", fmt.Errorf("%w: malformed room id %q", protocol.ErrInvalidArgument, roomID)
		}
		return roomID, nil
	case joinCode != "":
		code, ok := crypto.NormalizeShareCode(joinCode)
		if !ok {
			return "", fmt.Errorf("%w: malformed share code %q", protocol.ErrInvalidArgument, joinCode)
		}
		return client.Join(ctx, code)
	default:
		return protocol.NewRoomID(), nil
	}
}

// checkPassword verifies the typed password against the verifier stored
// beside the document, creating the verifier on first use. The verifier
// never leaves this machine.
func checkPassword(docPath, password string) error {
	verifierPath := docPath + ".verifier"
	stored, err := os.ReadFile(verifierPath)
	if os.IsNotExist(err) {
		verifier, err := crypto.HashPassword([]byte(password))
		if err != nil {
			return err
		}
		return os.WriteFile(verifierPath, []byte(verifier), 0600)
	}
	if err != nil {
		return err
	}
	if !crypto.VerifyPassword([]byte(password), string(stored)) {
		return fmt.Errorf("incorrect password")
	}
	return nil
}

func loadDocument(path string, doc *crdt.Map) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("document is not a JSON object of strings: %w", err)
	}
	for k, v := range entries {
		doc.Set(k, v)
	}
	return nil
}

// reloadDocument applies edits from disk: keys whose values changed are
// re-set locally and replicate to peers.
func reloadDocument(path string, doc *crdt.Map) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("document is not a JSON object of strings: %w", err)
	}
	current := doc.Snapshot()
	for k, v := range entries {
		if current[k] != v {
			doc.Set(k, v)
		}
	}
	return nil
}

// saveDocument writes the merged state back atomically so the watcher's
// readers and other processes never observe a torn file.
func saveDocument(path string, doc *crdt.Map) error {
	data, err := json.MarshalIndent(doc.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

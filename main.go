// Package main runs the HCE agent: a contactless card emulation engine with
// a WebSocket bridge for HCE frontends and an HTTP API for card records.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nedpals/hce-agent/buildinfo"
	"github.com/nedpals/hce-agent/hce"
	"github.com/nedpals/hce-agent/storage"
)

const defaultPort = 18090

var (
	portFlag    int
	dbFlag      string
	stateFlag   string
	systrayFlag bool
	versionFlag bool
)

// configDir returns the agent's directory under the user config path.
func configDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	dir := filepath.Join(base, buildinfo.DirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

func main() {
	flag.IntVar(&portFlag, "port", defaultPort, "Port for the HTTP/WebSocket server")
	flag.StringVar(&dbFlag, "db", "", "Path to the card database (default: config dir)")
	flag.StringVar(&stateFlag, "state", "", "Path to the emulation state file (default: config dir)")
	flag.BoolVar(&systrayFlag, "systray", false, "Run with a system tray icon")
	flag.BoolVar(&versionFlag, "version", false, "Print version and exit")
	flag.Parse()

	if versionFlag {
		fmt.Println(buildinfo.BuildInfo())
		return
	}

	if dbFlag == "" || stateFlag == "" {
		dir, err := configDir()
		if err != nil {
			log.Fatalf("Failed to prepare config directory: %v", err)
		}
		if dbFlag == "" {
			dbFlag = filepath.Join(dir, "cards.db")
		}
		if stateFlag == "" {
			stateFlag = filepath.Join(dir, "emulation.json")
		}
	}

	store, err := storage.New(dbFlag)
	if err != nil {
		log.Fatalf("Failed to open card store: %v", err)
	}

	selection, err := hce.NewSelectionState(stateFlag)
	if err != nil {
		// The selection slot must be durable or emulation cannot be trusted
		// to survive restarts.
		log.Fatalf("Failed to restore emulation state: %v", err)
	}

	if id, ok := selection.SelectedCardID(); ok {
		log.Printf("Restored emulation state: card %d selected, armed=%v", id, selection.IsActive())
	}

	agent := NewAgent(store, selection, portFlag)
	if err := agent.Start(); err != nil {
		log.Fatalf("Failed to start agent: %v", err)
	}

	if systrayFlag {
		runSystray(agent) // Blocks until Quit
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	agent.Stop()
}

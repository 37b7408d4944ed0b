package main

import (
	"errors"
	"log"
	"os"

	"github.com/nedpals/hce-agent/hce"
	"github.com/nedpals/hce-agent/hce/hostbridge"
	"github.com/nedpals/hce-agent/server"
	"github.com/nedpals/hce-agent/storage"
)

// Agent wires the card store, selection state, dispatcher, host bridge and
// HTTP server together and manages their lifecycle.
type Agent struct {
	Logger     *log.Logger
	Store      *storage.SQLiteStore
	Selection  *hce.SelectionState
	Dispatcher *hce.Dispatcher
	Bridge     *hostbridge.Handler
	Server     *server.Server
	ServerPort int
}

// NewAgent creates an agent around an opened store and restored selection
// state.
func NewAgent(store *storage.SQLiteStore, selection *hce.SelectionState, port int) *Agent {
	dispatcher := hce.NewDispatcher(store, selection, nil)
	return &Agent{
		Logger:     log.New(os.Stderr, "[agent] ", log.LstdFlags),
		Store:      store,
		Selection:  selection,
		Dispatcher: dispatcher,
		Bridge:     hostbridge.NewHandler(dispatcher, selection, store),
		ServerPort: port,
	}
}

// Start launches the HTTP server in the background.
func (a *Agent) Start() error {
	if a.Server != nil {
		return errors.New("agent is already running")
	}

	a.Server = server.New(server.Config{
		Port:       a.ServerPort,
		Store:      a.Store,
		Selection:  a.Selection,
		Bridge:     a.Bridge,
		DeleteCard: a.DeleteCard,
	})

	go func() {
		if err := a.Server.Start(); err != nil {
			a.Logger.Printf("server stopped with error: %v", err)
		}
	}()
	return nil
}

// Stop shuts down the server and closes the store.
func (a *Agent) Stop() {
	if a.Server == nil {
		a.Logger.Println("agent is not running")
		return
	}

	a.Logger.Println("stopping agent...")
	a.Server.Stop()
	a.Server = nil

	if err := a.Store.Close(); err != nil {
		a.Logger.Printf("store close error: %v", err)
	}
	a.Logger.Println("agent stopped")
}

// DeleteCard removes a record and clears the emulation slot when the
// deleted card was the selected one. The deleting component owns that
// coordination; the dispatcher never writes selection state.
func (a *Agent) DeleteCard(id int64) error {
	if err := a.Store.Delete(id); err != nil {
		return err
	}
	if selected, ok := a.Selection.SelectedCardID(); ok && selected == id {
		a.Logger.Printf("deleted card %d was selected, clearing emulation slot", id)
		return a.Selection.Deactivate()
	}
	return nil
}

package ui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jelly-j/jellyj/internal/config"
	"github.com/jelly-j/jellyj/internal/daemonclient"
	"github.com/jelly-j/jellyj/internal/model"
)

// RunOptions carries the identifying information the UI forwards to
// register_client, mirroring daemonclient.RegisterOptions without
// requiring internal/cmd to import daemonclient directly.
type RunOptions struct {
	ClientID      string
	ZellijSession string
	ZellijEnv     *model.EnvContext
	CWD           string
	Hostname      string
	PID           int
}

// Run dials the daemon socket, performs the bounded handshake, and runs
// the UI Client Session until the program exits or ctx is canceled. The
// handshake timeout (~2.5 s, cfg.HandshakeTimeout) produces an
// actionable error rather than hanging if no daemon answers.
func Run(ctx context.Context, cfg config.Config, opts RunOptions) error {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	client, err := daemonclient.Dial(dialCtx, cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("ui: could not reach the daemon at %s: %w", cfg.SocketPath, err)
	}

	registered, snapshot, err := client.Register(dialCtx, daemonclient.RegisterOptions{
		ClientID:      opts.ClientID,
		ZellijSession: opts.ZellijSession,
		ZellijEnv:     opts.ZellijEnv,
		CWD:           opts.CWD,
		Hostname:      opts.Hostname,
		PID:           opts.PID,
	})
	if err != nil {
		client.Close()
		return fmt.Errorf("ui: handshake with the daemon did not complete within %s: %w", cfg.HandshakeTimeout, err)
	}

	session := NewSession(client, opts.ClientID, opts.ZellijSession, opts.ZellijEnv, registered, snapshot)

	program := tea.NewProgram(session, tea.WithContext(ctx))
	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	_, runErr := program.Run()
	client.Close()
	return runErr
}

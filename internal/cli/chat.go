package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"tiller/internal/config"
	"tiller/internal/session"
	"tiller/internal/store"
)

// NewChatCmd creates the chat command.
func NewChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Open an interactive chat session",
		Long: `Open a realtime chat session with the agent backend.

The session stays connected until you quit: it reconnects after network
drops and resynchronizes the transcript. When the agent asks for
approval before running a command, answer y or n at the prompt.

A message given as an argument is sent as the opening message.`,
		Example: `  # Interactive chat
  tiller chat

  # Open with an initial message
  tiller chat "restart the nightly sync job"`,
		RunE: runChat,
	}

	return cmd
}

// chatUI renders session events to the terminal and tracks pending
// approvals so plain y/n input can answer them in arrival order.
type chatUI struct {
	mu      sync.Mutex
	pending []string
	done    chan struct{}
	once    sync.Once
}

func newChatUI() *chatUI {
	return &chatUI{done: make(chan struct{})}
}

func (ui *chatUI) handle(ev session.Event) {
	switch ev.Type {
	case session.EventStateChanged:
		switch ev.State {
		case session.StateConnected:
			fmt.Printf("* connected (session %s)\n", ev.SessionID)
		case session.StateReconnecting:
			fmt.Println("* connection lost, reconnecting...")
		case session.StateClosed:
			if ev.Err != nil {
				fmt.Printf("* channel closed: %v\n", ev.Err)
			} else {
				fmt.Println("* channel closed")
			}
			ui.once.Do(func() { close(ui.done) })
		}

	case session.EventHistorySynced:
		fmt.Printf("* transcript synchronized (%d messages)\n", len(ev.Messages))
		for _, m := range ev.Messages {
			printMessage(m)
		}

	case session.EventChatAppended:
		for _, m := range ev.Messages {
			printMessage(m)
		}

	case session.EventApprovalRequested:
		ui.mu.Lock()
		ui.pending = append(ui.pending, ev.Request.ID)
		ui.mu.Unlock()
		fmt.Printf("\n! approval requested: %s\n", ev.Request.Command)
		if ev.Request.WorkingDir != "" {
			fmt.Printf("  in %s\n", ev.Request.WorkingDir)
		}
		if ev.Request.Context != "" {
			fmt.Printf("  context: %s\n", ev.Request.Context)
		}
		fmt.Printf("  approve? [y/n] (expires in %ds)\n", ev.Request.TimeoutSecs)

	case session.EventApprovalResolved:
		ui.drop(ev.RequestID)
		fmt.Printf("* approval %s: %s\n", ev.RequestID, ev.Outcome)

	case session.EventApprovalExpired:
		ui.drop(ev.RequestID)
		fmt.Printf("* approval %s expired unanswered\n", ev.RequestID)

	case session.EventOrphanResult:
		fmt.Printf("* late approval result for %s: %s\n", ev.RequestID, ev.Message)

	case session.EventServerError:
		fmt.Printf("* server error: %s\n", ev.Message)

	case session.EventProtocolError:
		fmt.Printf("* protocol error: %v\n", ev.Err)
	}
}

func printMessage(m session.ChatMessage) {
	switch m.Role {
	case session.RoleUser:
		fmt.Printf("you> %s\n", m.Content)
	case session.RoleAssistant:
		if m.AgentID != "" {
			fmt.Printf("%s> %s\n", m.AgentID, m.Content)
		} else {
			fmt.Printf("agent> %s\n", m.Content)
		}
	case session.RoleApproval:
		fmt.Printf("[approval] %s\n", m.Content)
	}
}

// nextPending pops the oldest unanswered approval id.
func (ui *chatUI) nextPending() (string, bool) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if len(ui.pending) == 0 {
		return "", false
	}
	id := ui.pending[0]
	ui.pending = ui.pending[1:]
	return id, true
}

func (ui *chatUI) drop(id string) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	for i, p := range ui.pending {
		if p == id {
			ui.pending = append(ui.pending[:i], ui.pending[i+1:]...)
			return
		}
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}
	cfg := cliCtx.Config

	token, err := cliCtx.Creds.Token()
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("not authenticated, run: tiller login")
	}

	wsURL, err := cfg.Server.WSURL()
	if err != nil {
		return err
	}

	var cache session.TranscriptCache
	if cfg.Cache.Enabled {
		cachePath, err := config.ExpandPath(cfg.Cache.Path)
		if err != nil {
			return err
		}
		st, err := store.Open(cachePath)
		if err != nil {
			return fmt.Errorf("open transcript cache: %w", err)
		}
		defer st.Close()
		cache = st

		// Render the last known transcript before the channel is up.
		if last, err := st.LastSession(); err == nil && last != "" {
			if msgs, err := st.Transcript(last); err == nil && len(msgs) > 0 {
				fmt.Printf("* last cached transcript (session %s):\n", last)
				for _, m := range msgs {
					printMessage(m)
				}
				fmt.Println("* connecting...")
			}
		}
	}

	sess := session.New(session.Config{
		Conn: session.ConnConfig{
			URL:               wsURL,
			HeartbeatInterval: cfg.Session.HeartbeatInterval,
			HeartbeatGrace:    cfg.Session.HeartbeatGrace,
			BackoffMin:        cfg.Session.ReconnectMin,
			BackoffMax:        cfg.Session.ReconnectMax,
		},
		ExpiryTick: cfg.Session.ApprovalTick,
		Cache:      cache,
	})

	ui := newChatUI()
	unsubscribe := sess.Subscribe(ui.handle)
	defer unsubscribe()

	if err := sess.Open(token); err != nil {
		return err
	}
	defer sess.Close()

	if len(args) > 0 {
		if _, err := sess.SendChat(strings.Join(args, " ")); err != nil {
			return err
		}
	}

	input := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			input <- scanner.Text()
		}
		close(input)
	}()

	for {
		select {
		case <-ui.done:
			return nil

		case line, ok := <-input:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				continue
			case line == "/quit" || line == "/exit":
				return nil
			case line == "y" || line == "n":
				id, found := ui.nextPending()
				if !found {
					fmt.Println("* no approval pending")
					continue
				}
				if err := sess.RespondApproval(id, line == "y"); err != nil {
					fmt.Printf("* approval response failed: %v\n", err)
				}
			default:
				if _, err := sess.SendChat(line); err != nil {
					fmt.Printf("* send failed: %v\n", err)
				}
			}
		}
	}
}

package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"e2e_multidevice/internal/errs"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/repository/history"
	"e2e_multidevice/internal/sender"
	"e2e_multidevice/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

// Console is the interactive chat window for one conversation. Lines
// starting with "/" are commands: /sync, /devices, /trust, /reconnect, /quit.
type Console struct {
	app     *App
	to      string
	ui      *tview.Application
	chatbox *tview.TextView
	input   *tview.InputField

	mu              sync.Mutex
	lastIdentityErr error
}

func NewConsole(a *App, to string) *Console {
	return &Console{app: a, to: to, ui: tview.NewApplication()}
}

// Events routes application events into the chat window.
func (c *Console) Events() Events {
	return Events{
		Message: func(m model.Message) {
			if m.ThreadID != c.to {
				c.printf("[blue]%s (%s):[-] %s", m.Source, m.ThreadID, tview.Escape(m.Body))
				return
			}
			c.printMessage(m)
		},
		Synced: func(id string, stats history.MergeStats) {
			c.printf("[gray]sync %s: %d records merged[-]", id[:8], stats.Total())
		},
		Empty: func() {
			c.printf("[gray]connected, offline messages delivered[-]")
		},
		Settled: func(m *sender.OutgoingMessage) {
			if !m.Done() {
				return
			}
			for _, s := range m.Sent() {
				c.printf("[gray]delivered to %s (%d devices)[-]", s.Addr, len(s.Devices))
			}
			for _, f := range m.Errors() {
				c.printf("[red]%s: %v[-]", f.Addr, f.Err)
			}
		},
		Error: func(err error) {
			if errs.IsKind(err, errs.KindIncomingIdentityKey) {
				c.setIdentityErr(err)
				c.printf("[red]%v[-] (type /trust to accept the new key)", err)
				return
			}
			c.printf("[red]error:[-] %v", err)
		},
	}
}

// Run blocks until the window is closed or ctx ends.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() { c.ui.Draw() })
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" %s: chat with %s ", c.app.Self(), c.to))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.input.GetText())
		if text == "" {
			return
		}
		c.input.SetText("")
		go c.handleInput(ctx, text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	c.showHistory(ctx)

	go func() {
		if err := c.app.Run(ctx); err != nil && ctx.Err() == nil {
			c.printf("[red]disconnected:[-] %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		c.ui.Stop()
	}()

	return c.ui.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *Console) handleInput(ctx context.Context, text string) {
	switch text {
	case "/quit":
		c.ui.Stop()
	case "/sync":
		id, err := c.app.RequestSync(ctx, nil)
		if err != nil {
			c.printf("[red]sync failed:[-] %v", err)
			return
		}
		c.printf("[gray]sync %s requested[-]", id[:8])
	case "/devices":
		devices, err := c.app.Devices(ctx)
		if err != nil {
			c.printf("[red]list devices failed:[-] %v", err)
			return
		}
		for _, d := range devices {
			c.printf("[gray]device %d %q last seen %s[-]", d.ID, d.Name, time.UnixMilli(d.LastSeen).Format(time.DateTime))
		}
	case "/reconnect":
		c.app.Online()
		c.printf("[gray]reconnecting[-]")
	case "/trust":
		pending := c.takeIdentityErr()
		if pending == nil {
			c.printf("[gray]no pending identity change[-]")
			return
		}
		if err := c.app.TrustIdentity(ctx, pending); err != nil {
			c.printf("[red]trust failed:[-] %v", err)
		}
	default:
		c.send(ctx, text)
	}
}

func (c *Console) send(ctx context.Context, text string) {
	msg, err := c.app.Send(ctx, c.to, text)
	if err != nil {
		log.Error("send message failed", zap.Error(err))
		c.printf("[red]send failed:[-] %v", err)
		return
	}
	c.printf("[yellow]You:[-] %s", tview.Escape(text))

	for _, f := range msg.Errors() {
		if errs.IsKind(f.Err, errs.KindOutgoingIdentityKey) {
			c.setIdentityErr(f.Err)
			c.printf("[red]%s: %v[-] (type /trust to accept and resend)", f.Addr, f.Err)
			continue
		}
		c.printf("[red]%s: %v[-]", f.Addr, f.Err)
	}
}

func (c *Console) setIdentityErr(err error) {
	c.mu.Lock()
	c.lastIdentityErr = err
	c.mu.Unlock()
}

func (c *Console) takeIdentityErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.lastIdentityErr
	c.lastIdentityErr = nil
	return err
}

func (c *Console) showHistory(ctx context.Context) {
	msgs, err := c.app.History().Messages(ctx, c.to)
	if err != nil {
		log.Warn("load history failed", zap.Error(err))
		return
	}
	for _, m := range msgs {
		c.printMessage(m)
	}
}

func (c *Console) printMessage(m model.Message) {
	if m.Source == c.app.Self().Name {
		c.printf("[yellow]You:[-] %s", tview.Escape(m.Body))
		return
	}
	c.printf("[green]%s:[-] %s", m.Source, tview.Escape(m.Body))
}

func (c *Console) printf(format string, args ...any) {
	if c.chatbox == nil {
		return
	}
	fmt.Fprintf(c.chatbox, format+"\n", args...)
	c.chatbox.ScrollToEnd()
}

// Package wa wraps the whatsmeow client behind the session.Adapter
// contract: it turns whatsmeow's connection events into session lifecycle
// events and exposes the single text-send operation.
package wa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	qrterminal "github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/Ajaxparmar/whatsAppWeb/internal/session"
)

type Options struct {
	SessionDir string // credential storage; the sqlite layout inside is whatsmeow's business
	TerminalQR bool   // also render pairing codes on stdout for headless boxes
	LogLevel   string // whatsmeow logger level, defaults to INFO
}

// Client drives one whatsmeow session.
type Client struct {
	wm         *whatsmeow.Client
	emit       func(session.Event)
	terminalQR bool
	log        waLog.Logger
}

// Factory adapts New to the machine's AdapterFactory shape so each
// reinitialization gets a fresh client over the same credential store.
func Factory(opts Options) session.AdapterFactory {
	return func(emit func(session.Event)) (session.Adapter, error) {
		return New(opts, emit)
	}
}

func New(opts Options, emit func(session.Event)) (*Client, error) {
	level := opts.LogLevel
	if level == "" {
		level = "INFO"
	}
	logger := waLog.Stdout("Client", level, true)
	dbLog := waLog.Stdout("Database", level, true)

	if err := os.MkdirAll(opts.SessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	uri := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(opts.SessionDir, "whatsapp.db"))
	container, err := sqlstore.New(context.Background(), "sqlite3", uri, dbLog)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	device, err := container.GetFirstDevice(context.Background())
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loading device: %w", err)
		}
		device = container.NewDevice()
		logger.Infof("No stored device, starting fresh pairing")
	}

	c := &Client{
		wm:         whatsmeow.NewClient(device, logger),
		emit:       emit,
		terminalQR: opts.TerminalQR,
		log:        logger,
	}
	c.wm.AddEventHandler(c.handleEvent)
	return c, nil
}

// Initialize connects to WhatsApp. When no device is stored it starts the
// QR pairing flow first; the QR channel must be requested before Connect.
func (c *Client) Initialize(ctx context.Context) error {
	if c.wm.Store.ID == nil {
		qrChan, err := c.wm.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("qr channel: %w", err)
		}
		go c.watchQR(qrChan)
	}
	if err := c.wm.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *Client) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			if c.terminalQR {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			}
			c.emit(session.Event{Kind: session.EventQR, Code: item.Code})
		case "success":
			c.emit(session.Event{Kind: session.EventAuthenticated})
		case "timeout":
			c.emit(session.Event{Kind: session.EventAuthFailure, Reason: "qr scan timed out"})
		default:
			if item.Error != nil {
				c.emit(session.Event{Kind: session.EventAuthFailure, Reason: item.Error.Error()})
			}
		}
	}
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		c.log.Infof("Paired with %s", v.ID)
		c.emit(session.Event{Kind: session.EventAuthenticated})
	case *events.Connected:
		c.emit(session.Event{Kind: session.EventReady})
	case *events.LoggedOut:
		c.emit(session.Event{Kind: session.EventDisconnected, Reason: "logged out"})
	case *events.StreamReplaced:
		c.emit(session.Event{Kind: session.EventDisconnected, Reason: "stream replaced by another session"})
	case *events.Disconnected:
		c.emit(session.Event{Kind: session.EventDisconnected, Reason: "connection lost"})
	}
}

// Send delivers one text message. to must already be normalized to bare
// digits; the gate owns that.
func (c *Client) Send(ctx context.Context, to, body string) (string, error) {
	jid := types.NewJID(to, types.DefaultUserServer)
	msg := &waProto.Message{Conversation: proto.String(body)}

	resp, err := c.wm.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (c *Client) Close() {
	c.wm.Disconnect()
}

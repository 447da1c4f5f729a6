package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"peerstream/internal/api"
	"peerstream/internal/journal"
)

// pushClient is a single push socket. Replies and published messages share
// the envelope decoded into journal.Entry.
type pushClient struct {
	conn     *websocket.Conn
	clientID string
	timeout  time.Duration
}

func endpoint(server, path string) (*url.URL, error) {
	base, err := url.Parse(strings.TrimSpace(server))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("server url %q must include scheme and host", server)
	}
	return base.JoinPath(path), nil
}

func dialPush(ctx context.Context, opts *options) (*pushClient, error) {
	u, err := endpoint(opts.server, "/api/push")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", u, err)
	}
	c := &pushClient{conn: conn, timeout: opts.timeout}

	welcome, err := c.next(time.Now().Add(opts.timeout))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != api.ReplyWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected %s, got %s", api.ReplyWelcome, welcome.Type)
	}
	var hello struct {
		ClientID string `json:"clientId"`
	}
	if err := welcome.Decode(&hello); err != nil {
		conn.Close()
		return nil, err
	}
	c.clientID = hello.ClientID
	return c, nil
}

// send writes cmd with a fresh request id and returns that id.
func (c *pushClient) send(cmd api.Command) (string, error) {
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.conn.WriteJSON(cmd); err != nil {
		return "", fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	return cmd.RequestID, nil
}

// next reads one message. A zero deadline waits indefinitely.
func (c *pushClient) next(deadline time.Time) (journal.Entry, error) {
	_ = c.conn.SetReadDeadline(deadline)
	var entry journal.Entry
	if err := c.conn.ReadJSON(&entry); err != nil {
		return journal.Entry{}, err
	}
	return entry, nil
}

// await reads until the reply to requestID arrives. Other messages are
// handed to onOther when it is set.
func (c *pushClient) await(requestID string, onOther func(journal.Entry) error) (journal.Entry, error) {
	deadline := time.Now().Add(c.timeout)
	for {
		entry, err := c.next(deadline)
		if err != nil {
			return journal.Entry{}, err
		}
		if entry.RequestID != requestID {
			if onOther != nil {
				if err := onOther(entry); err != nil {
					return journal.Entry{}, err
				}
			}
			continue
		}
		if entry.Type == api.ReplyError {
			return entry, errors.New(entry.Error)
		}
		return entry, nil
	}
}

// watchUntil cancels pending reads once ctx is done.
func (c *pushClient) watchUntil(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = c.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (c *pushClient) Close() error {
	return c.conn.Close()
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"salesiq/internal/auth"
	"salesiq/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type eventHub interface {
	Join(connID string) <-chan models.ServerEvent
	Leave(ctx context.Context, connID string)
	Dispatch(ctx context.Context, client Client, event models.ClientEvent)
}

// Client identifies a realtime connection and what it may act as.
type Client struct {
	ConnID string
	// Agent is set when the upgrade request carried agent credentials.
	Agent     *auth.Agent
	IP        string
	UserAgent string
}

type Connection struct {
	ws         wsConnection
	hub        eventHub
	client     Client
	fromClient chan models.ClientEvent
	fromServer <-chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(hub eventHub, ws wsConnection, client Client) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		client:     client,
		fromClient: make(chan models.ClientEvent),
		fromServer: hub.Join(client.ConnID),
		errorCh:    make(chan error, 2),
	}
}

// Handle pumps frames in both directions until the socket fails or ctx is
// done, then removes the connection from the hub.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		// ctx is already cancelled here; cleanup must still persist last-seen.
		c.hub.Leave(context.WithoutCancel(ctx), c.client.ConnID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientEvent
		if err := c.ws.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				// A malformed frame does not end the session.
				msg = models.ClientEvent{Event: ""}
			} else {
				return err
			}
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			c.hub.Dispatch(ctx, c.client, msg)
		case msg, ok := <-c.fromServer:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

package ssap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"nhooyr.io/websocket"
)

const (
	pingInterval = 30 * time.Second
	timeout      = 10 * time.Second
	readLimit    = 4 * 1024 * 1024
)

// conn is a websocket towards the TV matching responses to requests by id.
type conn struct {
	log castkit.Logger
	ws  *websocket.Conn

	lock    sync.Mutex
	nextId  int
	waiters map[string]chan Message

	done      chan struct{}
	closeOnce sync.Once
}

func dialConn(ctx context.Context, log castkit.Logger, client *http.Client, url string) (*conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"User-Agent": []string{castkit.UserAgent()},
		},
		HTTPClient: client,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", castkit.ErrDeviceUnreachable, err)
	}

	ws.SetReadLimit(readLimit)

	c := &conn{
		log:     log,
		ws:      ws,
		waiters: map[string]chan Message{},
		done:    make(chan struct{}),
	}

	go c.recvLoop()
	go c.pingLoop()

	log.Debugf("ssap connection opened to %s", url)
	return c, nil
}

// subscribe registers a waiter for every message carrying id.
func (c *conn) subscribe() (string, chan Message) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.nextId++
	id := strconv.Itoa(c.nextId)

	ch := make(chan Message, 4)
	c.waiters[id] = ch
	return id, ch
}

func (c *conn) unsubscribe(id string) {
	c.lock.Lock()
	delete(c.waiters, id)
	c.lock.Unlock()
}

func (c *conn) send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed marshalling ssap message: %w", err)
	}

	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", castkit.ErrTransportLost, err)
	}

	c.log.Tracef("sent ssap %s %s", msg.Type, msg.Uri)
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed marshalling payload: %w", err)
	}
	return data, nil
}

// request sends a request and waits for its single response.
func (c *conn) request(ctx context.Context, uri string, payload any, out any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	id, ch := c.subscribe()
	defer c.unsubscribe(id)

	if err := c.send(ctx, Message{Type: typeRequest, Id: id, Uri: uri, Payload: raw}); err != nil {
		return err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return castkit.ErrTransportLost
		}

		return decodeResponse(uri, msg, out)
	case <-c.done:
		return castkit.ErrTransportLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeResponse(uri string, msg Message, out any) error {
	if msg.Type == typeError {
		return fmt.Errorf("%s failed: %s", uri, msg.Error)
	}

	var resp responsePayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			return fmt.Errorf("failed unmarshalling %s response: %w", uri, err)
		}
	}

	if resp.ReturnValue != nil && !*resp.ReturnValue {
		return fmt.Errorf("%s failed: %s", uri, resp.ErrorText)
	}

	if out != nil {
		if err := json.Unmarshal(msg.Payload, out); err != nil {
			return fmt.Errorf("failed unmarshalling %s response: %w", uri, err)
		}
	}

	return nil
}

func (c *conn) recvLoop() {
	defer c.Close()

	for {
		msgType, data, err := c.ws.Read(context.Background())
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.WithError(err).Debugf("ssap connection closed")
			}
			return
		} else if msgType != websocket.MessageText {
			c.log.Warnf("unsupported ssap message type: %v, len: %d", msgType, len(data))
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warnf("failed unmarshalling ssap message")
			continue
		}

		c.log.Tracef("received ssap %s for %s", msg.Type, msg.Id)

		c.lock.Lock()
		ch, ok := c.waiters[msg.Id]
		c.lock.Unlock()

		if !ok {
			continue
		}

		select {
		case ch <- msg:
		default:
			c.log.Warnf("dropping ssap %s for %s, waiter is full", msg.Type, msg.Id)
		}
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := c.ws.Ping(ctx)
			cancel()

			if err != nil {
				c.log.WithError(err).Warnf("ssap ping failed")
				c.Close()
				return
			}
		}
	}
}

func (c *conn) Done() <-chan struct{} {
	return c.done
}

func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	})
}

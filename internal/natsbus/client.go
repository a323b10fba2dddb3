package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Client is a connection to the bus used for completion requests, host IPC
// and event publishing.
type Client struct {
	conn *nats.Conn
}

// NewClient connects to an embedded bus in the same process.
func NewClient(bus *Bus) (*Client, error) {
	return NewClientFromURL(bus.ClientURL(), nats.Name("synedrio-gateway"))
}

// NewClientFromURL connects to a bus over the network, as synctl does.
func NewClientFromURL(url string, opts ...nats.Option) (*Client, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

// RequestJSON sends v as JSON and decodes the reply into out. The deadline
// comes from ctx.
func (c *Client) RequestJSON(ctx context.Context, topic string, v, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	msg, err := c.conn.RequestWithContext(ctx, topic, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("unmarshal reply: %w", err)
	}
	return nil
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}

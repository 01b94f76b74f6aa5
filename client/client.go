// Package client is the Go client for the walrus client protocol: one framed
// request per connection, with an automatic AUTH preamble when an API key is
// configured.
package client

import (
	"fmt"
	"net"
	"strings"

	"github.com/MEOFIXBUG/walrus/transport"
)

type Client struct {
	addr   string
	apiKey string
}

func New(addr string) *Client {
	return &Client{addr: addr}
}

func WithAPIKey(addr, apiKey string) *Client {
	return &Client{addr: addr, apiKey: apiKey}
}

// Register creates the topic if it does not exist (idempotent).
func (c *Client) Register(topic string) error {
	return c.simpleOK(fmt.Sprintf("REGISTER %s", topic))
}

// Put appends one record to the topic.
func (c *Client) Put(topic, data string) error {
	return c.simpleOK(fmt.Sprintf("PUT %s %s", topic, data))
}

// Get reads the next record under the topic's shared cursor. Returns
// ok=false when the topic is exhausted.
func (c *Client) Get(topic string) (string, bool, error) {
	resp, err := c.SendRaw(fmt.Sprintf("GET %s", topic))
	if err != nil {
		return "", false, err
	}
	if resp == "EMPTY" {
		return "", false, nil
	}
	if rest, ok := strings.CutPrefix(resp, "OK "); ok {
		return rest, true, nil
	}
	return "", false, fmt.Errorf("unexpected GET response: %s", resp)
}

// State returns the topic's state document as JSON.
func (c *Client) State(topic string) (string, error) {
	return c.sendPayload(fmt.Sprintf("STATE %s", topic))
}

// Metrics returns the node's metrics document as JSON.
func (c *Client) Metrics() (string, error) {
	return c.sendPayload("METRICS")
}

// SendRaw sends one command line and returns the raw response. Each call
// dials a fresh connection; when an API key is set and the command is not
// itself an AUTH, the connection is authenticated first.
func (c *Client) SendRaw(line string) (string, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", c.addr, err)
	}
	defer conn.Close()

	if c.apiKey != "" && !strings.HasPrefix(line, "AUTH ") {
		resp, err := roundTrip(conn, fmt.Sprintf("AUTH %s", c.apiKey))
		if err != nil {
			return "", err
		}
		if resp != "OK" {
			return "", fmt.Errorf("authentication failed: %s", resp)
		}
	}
	return roundTrip(conn, line)
}

func roundTrip(conn net.Conn, line string) (string, error) {
	if err := transport.EncodeFrame(conn, []byte(line)); err != nil {
		return "", err
	}
	resp, err := transport.DecodeFrame(conn)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

func (c *Client) simpleOK(line string) error {
	resp, err := c.SendRaw(line)
	if err != nil {
		return err
	}
	if resp != "OK" {
		return fmt.Errorf("%s", resp)
	}
	return nil
}

func (c *Client) sendPayload(line string) (string, error) {
	resp, err := c.SendRaw(line)
	if err != nil {
		return "", err
	}
	if rest, ok := strings.CutPrefix(resp, "OK "); ok {
		return rest, nil
	}
	if strings.HasPrefix(resp, "ERR") {
		return "", fmt.Errorf("%s", resp)
	}
	return resp, nil
}

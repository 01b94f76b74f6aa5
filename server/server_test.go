package server

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"

	"github.com/MEOFIXBUG/walrus/client"
	"github.com/MEOFIXBUG/walrus/controller"
	"github.com/MEOFIXBUG/walrus/metadata"
	"github.com/MEOFIXBUG/walrus/transport"
)

// localSubmitter applies commands straight to the metadata state machine, as
// the Raft leader's FSM would after commit.
type localSubmitter struct {
	md *metadata.Metadata
}

func (f *localSubmitter) SubmitCreateTopic(name string, initialLeader metadata.NodeID) ([]byte, error) {
	cmd, err := metadata.EncodeCreateTopic(name, initialLeader)
	if err != nil {
		return nil, err
	}
	return f.md.Apply(cmd)
}

func (f *localSubmitter) SubmitRollover(name string, newLeader metadata.NodeID, sealedEntryCount uint64) ([]byte, error) {
	cmd, err := metadata.EncodeRolloverTopic(name, newLeader, sealedEntryCount)
	if err != nil {
		return nil, err
	}
	return f.md.Apply(cmd)
}

func (f *localSubmitter) SubmitDeleteSegments(topic string, segmentIDs []uint64) ([]byte, error) {
	cmd, err := metadata.EncodeDeleteSegments(topic, segmentIDs)
	if err != nil {
		return nil, err
	}
	return f.md.Apply(cmd)
}

func startTestServer(t *testing.T, apiKey string) string {
	t.Helper()
	md := metadata.New()
	ctrl := controller.New(1, t.TempDir(), md, &localSubmitter{md: md}, 0, nil)
	srv := New(ctrl, apiKey, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Close()
		ctrl.Close()
	})
	return ln.Addr().String()
}

func TestServerRegisterPutGet(t *testing.T) {
	addr := startTestServer(t, "")
	c := client.New(addr)

	if err := c.Register("orders"); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	if _, ok, err := c.Get("orders"); err != nil || ok {
		t.Fatalf("Get on empty topic = ok=%v err=%v, want EMPTY", ok, err)
	}
	if err := c.Put("orders", "hello world"); err != nil {
		t.Fatalf("Put error = %v", err)
	}
	got, ok, err := c.Get("orders")
	if err != nil || !ok {
		t.Fatalf("Get = ok=%v err=%v", ok, err)
	}
	// The payload is everything after the topic, spaces included.
	if got != "hello world" {
		t.Fatalf("Get = %q, want %q", got, "hello world")
	}
}

func TestServerProtocolErrors(t *testing.T) {
	addr := startTestServer(t, "")
	c := client.New(addr)

	cases := []struct {
		line string
		want string
	}{
		{"PUT orders", "ERR PUT requires a payload"},
		{"PUT", "ERR PUT requires a topic"},
		{"FROB orders", "ERR unknown command"},
		{"REGISTER", "ERR REGISTER requires a topic"},
		{"GET nope", "ERR Topic not found"},
	}
	for _, tc := range cases {
		resp, err := c.SendRaw(tc.line)
		if err != nil {
			t.Fatalf("SendRaw(%q) error = %v", tc.line, err)
		}
		if resp != tc.want {
			t.Fatalf("SendRaw(%q) = %q, want %q", tc.line, resp, tc.want)
		}
	}
}

func TestServerRejectsBadFramesAndKeepsConnection(t *testing.T) {
	addr := startTestServer(t, "")
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Zero-length frame: rejected per message, connection survives.
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 0)
	if _, err := conn.Write(header[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	resp, err := transport.DecodeFrame(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "ERR invalid frame length" {
		t.Fatalf("response = %q", resp)
	}

	// Invalid UTF-8 payload: same story.
	if err := transport.EncodeFrame(conn, []byte{0xff, 0xfe, 0xfd}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	resp, err = transport.DecodeFrame(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "ERR invalid utf-8" {
		t.Fatalf("response = %q", resp)
	}

	// The connection still serves real commands.
	if err := transport.EncodeFrame(conn, []byte("REGISTER orders")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	resp, err = transport.DecodeFrame(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "OK" {
		t.Fatalf("response = %q", resp)
	}
}

func TestServerAuthGate(t *testing.T) {
	addr := startTestServer(t, "sekrit")

	bare := client.New(addr)
	resp, err := bare.SendRaw("REGISTER orders")
	if err != nil {
		t.Fatalf("SendRaw error = %v", err)
	}
	if resp != "ERR authentication required: send AUTH <api_key> first" {
		t.Fatalf("unauthenticated response = %q", resp)
	}

	resp, err = bare.SendRaw("AUTH wrong")
	if err != nil {
		t.Fatalf("SendRaw error = %v", err)
	}
	if resp != "ERR invalid API key" {
		t.Fatalf("bad key response = %q", resp)
	}

	authed := client.WithAPIKey(addr, "sekrit")
	if err := authed.Register("orders"); err != nil {
		t.Fatalf("Register with key error = %v", err)
	}
	if err := authed.Put("orders", "x"); err != nil {
		t.Fatalf("Put with key error = %v", err)
	}
}

func TestServerStateAndMetrics(t *testing.T) {
	addr := startTestServer(t, "")
	c := client.New(addr)

	if err := c.Register("orders"); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	if err := c.Put("orders", "x"); err != nil {
		t.Fatalf("Put error = %v", err)
	}

	state, err := c.State("orders")
	if err != nil {
		t.Fatalf("State error = %v", err)
	}
	var snap map[string]any
	if err := json.Unmarshal([]byte(state), &snap); err != nil {
		t.Fatalf("STATE is not valid JSON: %v\n%s", err, state)
	}
	if snap["topic"] != "orders" {
		t.Fatalf("STATE topic = %v", snap["topic"])
	}

	metrics, err := c.Metrics()
	if err != nil {
		t.Fatalf("Metrics error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(metrics), &m); err != nil {
		t.Fatalf("METRICS is not valid JSON: %v\n%s", err, metrics)
	}
	if m["puts"].(float64) != 1 {
		t.Fatalf("METRICS puts = %v", m["puts"])
	}
}

package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/warden/internal/events"
	"github.com/fyrsmithlabs/warden/internal/gate"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func subscribe(t *testing.T, url, subject string) *nats.Subscription {
	t.Helper()
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	sub, err := nc.SubscribeSync(subject)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	return sub
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestPublisher_Blocked(t *testing.T) {
	server := startTestNATSServer(t)
	sub := subscribe(t, server.ClientURL(), "warden.>")

	cfg := DefaultConfig()
	cfg.URL = server.ClientURL()
	p, err := Connect(cfg, WithSource("gated"), WithClock(fixedNow))
	require.NoError(t, err)
	defer p.Close()

	p.Blocked(context.Background(), gate.Entry{
		Tool:     "execute_command",
		Decision: gate.Decision{Reason: "command denied", Severity: gate.SeverityBlock, Check: gate.CheckCommand},
	})

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "warden.admission.blocked", msg.Subject)

	var env struct {
		Kind      string     `json:"kind"`
		Source    string     `json:"source"`
		Timestamp time.Time  `json:"timestamp"`
		Payload   gate.Entry `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, KindBlocked, env.Kind)
	assert.Equal(t, "gated", env.Source)
	assert.Equal(t, fixedNow(), env.Timestamp)
	assert.Equal(t, "execute_command", env.Payload.Tool)
	assert.Equal(t, gate.CheckCommand, env.Payload.Decision.Check)
}

func TestPublisher_EventObserver(t *testing.T) {
	server := startTestNATSServer(t)
	sub := subscribe(t, server.ClientURL(), "ops.events.*")

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	p := New(nc, WithSubjectPrefix("ops"))

	log := events.NewLog(t.TempDir()+"/critical.jsonl", events.WithObserver(p.Observer()))
	_, err = log.Append(context.Background(), events.Event{
		Type:        events.ProtectedFileAttempt,
		Description: "task tamper targeted internal/gate/gate.go",
	})
	require.NoError(t, err)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ops.events.protected_file_attempt", msg.Subject)

	var env struct {
		Kind    string       `json:"kind"`
		Payload events.Event `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, KindEvent, env.Kind)
	assert.Equal(t, events.SeverityCritical, env.Payload.Severity)
	assert.NotEmpty(t, env.Payload.Hash)
}

func TestPublisher_LogFallback(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p, err := Connect(DefaultConfig(), WithLogger(zap.New(core)))
	require.NoError(t, err)
	defer p.Close()

	p.Blocked(context.Background(), gate.Entry{Tool: "write_file", Decision: gate.Decision{Reason: "outside project root"}})
	p.Event(events.Event{Type: events.GateBypassAttempt, Severity: events.SeverityHigh})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, KindBlocked, entries[0].Message)
	assert.Equal(t, "write_file", entries[0].ContextMap()["tool"])
	assert.Equal(t, "warden.events.gate_bypass_attempt", entries[1].ContextMap()["subject"])
}

func TestPublisher_ClosedConnectionFallsBack(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	nc.Close()

	core, logs := observer.New(zap.WarnLevel)
	p := New(nc, WithLogger(zap.New(core)))
	p.Blocked(context.Background(), gate.Entry{Tool: "delete_file"})

	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].ContextMap(), "publish_error")
}

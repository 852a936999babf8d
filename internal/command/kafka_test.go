package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ramrod/internal/config"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	cmds []Command
	resp func(Command) Response
}

func (d *recordingDispatcher) Handle(_ context.Context, cmd Command) Response {
	d.mu.Lock()
	d.cmds = append(d.cmds, cmd)
	d.mu.Unlock()
	if d.resp != nil {
		return d.resp(cmd)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "ok"}}
}

func (d *recordingDispatcher) commands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Command(nil), d.cmds...)
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	errs      []error
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	r.committed = append(r.committed, msgs...)
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	w.msgs = append(w.msgs, msgs...)
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func message(t *testing.T, kc KafkaCommand) kafka.Message {
	t.Helper()
	b, err := json.Marshal(kc)
	require.NoError(t, err)
	return kafka.Message{Topic: "ramrod-commands", Value: b}
}

func TestNewKafkaCommandConsumer(t *testing.T) {
	tests := []struct {
		name    string
		kafka   config.CommandKafkaConfig
		wantErr bool
	}{
		{
			name:  "valid config",
			kafka: config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "commands", GroupID: "ramrod"},
		},
		{
			name:  "with response topic",
			kafka: config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "commands", ResponseTopic: "responses", GroupID: "ramrod"},
		},
		{
			name:    "missing brokers",
			kafka:   config.CommandKafkaConfig{Topic: "commands", GroupID: "ramrod"},
			wantErr: true,
		},
		{
			name:    "missing topic",
			kafka:   config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "ramrod"},
			wantErr: true,
		},
		{
			name:    "missing group_id",
			kafka:   config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "commands"},
			wantErr: true,
		},
		{
			name: "unsupported sasl",
			kafka: config.CommandKafkaConfig{
				Brokers: []string{"localhost:9092"}, Topic: "commands", GroupID: "ramrod",
				SASL: config.SASLConfig{Enabled: true, Mechanism: "GSSAPI"},
			},
			wantErr: true,
		},
		{
			name: "missing ca cert",
			kafka: config.CommandKafkaConfig{
				Brokers: []string{"localhost:9092"}, Topic: "commands", GroupID: "ramrod",
				TLS: config.TLSConfig{Enabled: true, CACert: "/nonexistent/ca.pem"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer, err := NewKafkaCommandConsumer(config.CommandChannelConfig{Kafka: tt.kafka}, "node-01", &recordingDispatcher{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 5*time.Minute, consumer.ttl)
			assert.Equal(t, tt.kafka.ResponseTopic != "", consumer.writer != nil)
			assert.NoError(t, consumer.Stop())
			assert.NoError(t, consumer.Stop())
		})
	}
}

func TestKafkaCommandConsumer_ProcessMessage(t *testing.T) {
	tests := []struct {
		name     string
		cmd      KafkaCommand
		executed bool
	}{
		{"this node", KafkaCommand{Target: "node-01", Command: "status", RequestID: "a"}, true},
		{"broadcast", KafkaCommand{Target: "*", Command: "status", RequestID: "b"}, true},
		{"no target", KafkaCommand{Command: "status", RequestID: "c"}, true},
		{"other node", KafkaCommand{Target: "node-02", Command: "status", RequestID: "d"}, false},
		{"fresh", KafkaCommand{Command: "status", Timestamp: time.Now().Add(-time.Second)}, true},
		{"stale", KafkaCommand{Command: "status", Timestamp: time.Now().Add(-2 * time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			w := &fakeWriter{}
			c := newKafkaConsumer(config.CommandChannelConfig{CommandTTL: time.Minute}, "node-01", &fakeReader{}, w, d)

			require.NoError(t, c.processMessage(context.Background(), message(t, tt.cmd)))
			if !tt.executed {
				assert.Empty(t, d.commands())
				assert.Empty(t, w.msgs)
				return
			}
			require.Len(t, d.commands(), 1)
			assert.Equal(t, tt.cmd.RequestID, d.commands()[0].ID)
			require.Len(t, w.msgs, 1)

			var resp KafkaResponse
			require.NoError(t, json.Unmarshal(w.msgs[0].Value, &resp))
			assert.Equal(t, "node-01", resp.Node)
			assert.Equal(t, tt.cmd.RequestID, resp.RequestID)
			assert.Nil(t, resp.Error)
		})
	}
}

func TestKafkaCommandConsumer_ProcessMessageErrors(t *testing.T) {
	d := &recordingDispatcher{resp: func(cmd Command) Response {
		return errorResponse(cmd.ID, ErrCodeRejected, "mac add failed")
	}}
	w := &fakeWriter{}
	c := newKafkaConsumer(config.CommandChannelConfig{}, "node-01", &fakeReader{}, w, d)

	err := c.processMessage(context.Background(), kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
	assert.Empty(t, d.commands())

	err = c.processMessage(context.Background(), message(t, KafkaCommand{Command: "mac_add", RequestID: "x"}))
	assert.Error(t, err)
	require.Len(t, w.msgs, 1)
	var resp KafkaResponse
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeRejected, resp.Error.Code)
}

func TestKafkaCommandConsumer_StartCommitsAndRetries(t *testing.T) {
	r := &fakeReader{
		errs: []error{errors.New("broker unavailable")},
		msgs: []kafka.Message{
			message(t, KafkaCommand{Command: "status", RequestID: "1"}),
			message(t, KafkaCommand{Command: "status", RequestID: "2", Target: "elsewhere"}),
		},
	}
	d := &recordingDispatcher{}
	c := newKafkaConsumer(config.CommandChannelConfig{}, "node-01", r, nil, d)
	c.retry.Min, c.retry.Max = time.Millisecond, 5*time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx) }()

	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.committed) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Start() didn't return after context cancellation")
	}
	require.Len(t, d.commands(), 1)
	assert.Equal(t, "1", d.commands()[0].ID)

	require.NoError(t, c.Stop())
	assert.True(t, r.closed)
}

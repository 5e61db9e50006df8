package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/stock-prediction-service/internal/models"
)

type mockRequester struct {
	mu     sync.Mutex
	reqs   []models.PredictionRequestEvent
	err    error
	called chan struct{}
}

func (m *mockRequester) RequestPrediction(ctx context.Context, req models.PredictionRequestEvent) (*models.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reqs = append(m.reqs, req)
	if m.called != nil {
		select {
		case m.called <- struct{}{}:
		default:
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &models.Prediction{ID: "p-1", UserID: req.UserID, Ticker: req.Ticker, Status: models.StatusQueued}, nil
}

func (m *mockRequester) Requests() []models.PredictionRequestEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PredictionRequestEvent(nil), m.reqs...)
}

type mockReader struct {
	cfg  kafka.ReaderConfig
	msgs chan kafka.Message

	mu         sync.Mutex
	closeCalls int
}

func newMockReader(topic string, buffer int) *mockReader {
	return &mockReader{
		cfg:  kafka.ReaderConfig{Topic: topic},
		msgs: make(chan kafka.Message, buffer),
	}
}

func (r *mockReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-r.msgs:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *mockReader) Close() error {
	r.mu.Lock()
	r.closeCalls++
	r.mu.Unlock()
	return nil
}

func (r *mockReader) Config() kafka.ReaderConfig {
	return r.cfg
}

func requestMessage(t *testing.T, event models.PredictionRequestEvent) kafka.Message {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(event.Ticker), Value: payload}
}

func TestConsumer_processMessage_forwardsRequests(t *testing.T) {
	requester := &mockRequester{}
	consumer := &Consumer{requester: requester, logger: zerolog.Nop()}

	msg := requestMessage(t, models.PredictionRequestEvent{
		EventType: models.EventPredictionRequested,
		UserID:    "user-1",
		Ticker:    "aapl",
		ModelType: "lstm",
		Timeline:  "1d",
		Timestamp: time.Now(),
	})

	require.NoError(t, consumer.processMessage(context.Background(), msg))

	reqs := requester.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "aapl", reqs[0].Ticker)
	assert.Equal(t, "user-1", reqs[0].UserID)
}

func TestConsumer_processMessage_ignoresOtherEventTypes(t *testing.T) {
	requester := &mockRequester{}
	consumer := &Consumer{requester: requester, logger: zerolog.Nop()}

	msg := requestMessage(t, models.PredictionRequestEvent{
		EventType: models.EventPredictionCompleted,
		UserID:    "user-1",
		Ticker:    "AAPL",
	})

	require.NoError(t, consumer.processMessage(context.Background(), msg))
	assert.Empty(t, requester.Requests())
}

func TestConsumer_processMessage_rejectsBadInput(t *testing.T) {
	requester := &mockRequester{}
	consumer := &Consumer{requester: requester, logger: zerolog.Nop()}

	err := consumer.processMessage(context.Background(), kafka.Message{Value: []byte("{not json")})
	assert.Error(t, err)

	msg := requestMessage(t, models.PredictionRequestEvent{
		EventType: models.EventPredictionRequested,
		Ticker:    "AAPL",
	})
	err = consumer.processMessage(context.Background(), msg)
	assert.Error(t, err)
	assert.Empty(t, requester.Requests())
}

func TestConsumer_processMessage_surfacesRequesterErrors(t *testing.T) {
	requester := &mockRequester{err: errors.New("too many pending predictions")}
	consumer := &Consumer{requester: requester, logger: zerolog.Nop()}

	msg := requestMessage(t, models.PredictionRequestEvent{
		EventType: models.EventPredictionRequested,
		UserID:    "user-1",
		Ticker:    "AAPL",
		ModelType: "gru",
		Timeline:  "2w",
	})

	err := consumer.processMessage(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many pending predictions")
}

func TestConsumer_Start_consumesAndProcessesMessages(t *testing.T) {
	requester := &mockRequester{called: make(chan struct{}, 1)}
	reader := newMockReader("prediction-requests", 1)
	consumer := &Consumer{reader: reader, requester: requester, logger: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- consumer.Start(ctx)
	}()

	reader.msgs <- requestMessage(t, models.PredictionRequestEvent{
		EventType: models.EventPredictionRequested,
		UserID:    "user-1",
		Ticker:    "MSFT",
		ModelType: "rnn",
		Timeline:  "2m",
	})

	select {
	case <-requester.called:
		// processed
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prediction request to be processed")
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for consumer to shut down")
	}

	require.Len(t, requester.Requests(), 1)
	reader.mu.Lock()
	assert.Equal(t, 1, reader.closeCalls)
	reader.mu.Unlock()
}

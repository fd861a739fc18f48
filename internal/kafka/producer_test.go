package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/bgloc/internal/location"
	"github.com/shaunagostinho/bgloc/internal/provider"
)

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Publish(ctx context.Context, topic string, key string, value []byte) error {
	args := m.Called(ctx, topic, key, value)
	return args.Error(0)
}

func (m *MockProducer) Close() error {
	return m.Called().Error(0)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

var fixedNow = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func TestEmitLocation(t *testing.T) {
	mp := new(MockProducer)
	e := NewEmitter(mp, "location-updates")
	e.now = func() time.Time { return fixedNow }

	loc := location.New(location.ProviderRaw, location.Fix{Latitude: 3, Longitude: 4})
	loc.DeviceID = "imei-1"

	mp.On("Publish", mock.Anything, "location-updates", "imei-1", mock.MatchedBy(func(v []byte) bool {
		var ev Event
		if err := json.Unmarshal(v, &ev); err != nil {
			return false
		}
		return ev.Type == EventLocation && ev.Location != nil && ev.Location.Latitude == 3 && ev.SentAt.Equal(fixedNow)
	})).Return(nil).Once()

	require.NoError(t, e.EmitLocation(context.Background(), loc))
	mp.AssertExpectations(t)
}

func TestEmitStationary(t *testing.T) {
	mp := new(MockProducer)
	e := NewEmitter(mp, "t")

	mp.On("Publish", mock.Anything, "t", "", mock.MatchedBy(func(v []byte) bool {
		var ev Event
		return json.Unmarshal(v, &ev) == nil && ev.Type == EventStationary
	})).Return(nil).Once()

	require.NoError(t, e.EmitLocation(context.Background(), location.NewStationary(location.ProviderRaw, location.Fix{})))
	mp.AssertExpectations(t)
}

func TestEmitError(t *testing.T) {
	mp := new(MockProducer)
	e := NewEmitter(mp, "t")
	mp.On("Publish", mock.Anything, "t", "dev", mock.Anything).Return(errors.New("broker down")).Once()

	err := e.EmitError(context.Background(), "dev", provider.PermissionDenied(nil))

	assert.EqualError(t, err, "broker down")
	payload := mp.Calls[0].Arguments.Get(3).([]byte)
	assert.Contains(t, string(payload), `"code":2`)
}

func TestProducer_Publish(t *testing.T) {
	fw := &fakeWriter{}
	p := &Producer{writer: fw}

	require.NoError(t, p.Publish(context.Background(), "topic-a", "k", []byte("v")))
	require.Len(t, fw.msgs, 1)
	assert.Equal(t, "topic-a", fw.msgs[0].Topic)
	assert.Equal(t, []byte("k"), fw.msgs[0].Key)

	fw.err = errors.New("leader not available")
	assert.ErrorContains(t, p.Publish(context.Background(), "topic-a", "k", nil), "leader not available")

	require.NoError(t, p.Close())
	assert.True(t, fw.closed)
}

func TestNewProducer_NoBrokers(t *testing.T) {
	_, err := NewProducer(nil)
	assert.ErrorIs(t, err, ErrNoBrokers)
}

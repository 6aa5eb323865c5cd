package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublishLocation_KeyedByDriver(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w, timeout: time.Second}

	err := p.PublishLocation(context.Background(), models.LocationUpdate{
		DriverID: "d1", Loc: models.Coord{Lat: 52.52, Lon: 13.40}, Online: true,
	})

	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "d1", string(w.msgs[0].Key))
	var got models.LocationUpdate
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.True(t, got.Online)
	assert.False(t, got.At.IsZero())
}

func TestPublishLocation_Errors(t *testing.T) {
	p := &KafkaProducer{writer: &fakeWriter{err: errors.New("broker down")}, timeout: time.Second}

	err := p.PublishLocation(context.Background(), models.LocationUpdate{DriverID: "d1"})
	assert.ErrorIs(t, err, models.ErrUnavailable)

	err = p.PublishLocation(context.Background(), models.LocationUpdate{Loc: models.Coord{Lat: 1, Lon: 1}})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = p.PublishLocation(context.Background(), models.LocationUpdate{DriverID: "d1", Loc: models.Coord{Lat: 91}})
	assert.ErrorIs(t, err, models.ErrValidation)
}

package speedtest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
)

type fakeSession struct {
	pingErr, downErr, upErr []error // consumed one per call
	pings, uploads          int
	closed                  bool
}

func next(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeSession) Ping(context.Context) (Server, error) {
	f.pings++
	if err := next(&f.pingErr); err != nil {
		return Server{}, err
	}
	return Server{Name: "Example ISP", Host: "st.example.net:8080", Latency: 12345 * time.Microsecond, Jitter: 2 * time.Millisecond}, nil
}

func (f *fakeSession) Download(context.Context) (float64, error) {
	if err := next(&f.downErr); err != nil {
		return 0, err
	}
	return 93.456, nil
}

func (f *fakeSession) Upload(context.Context) (float64, error) {
	f.uploads++
	if err := next(&f.upErr); err != nil {
		return 0, err
	}
	return 20.1, nil
}

func (f *fakeSession) Close() { f.closed = true }

func newDriver(t *testing.T, retries int, sess *fakeSession) *Speedtest {
	t.Helper()
	d, err := New(driver.Deps{
		Name:            "uplink",
		Kind:            Kind,
		UpdateRetries:   retries,
		RetryMinBackoff: time.Millisecond,
		RetryMaxBackoff: time.Millisecond,
	}, json.RawMessage(`{"retain":true}`))
	require.NoError(t, err)
	s := d.(*Speedtest)
	s.open = func(Args, driver.Deps) session { return sess }
	return s
}

type batch struct {
	msgs []bus.Message
	err  error
}

func collect(s *Speedtest) []batch {
	var out []batch
	for msgs, err := range s.StatusUpdates(context.Background()) {
		out = append(out, batch{msgs, err})
	}
	return out
}

func TestStatusUpdatesYieldsEachStage(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{}
	got := collect(newDriver(t, 0, sess))

	require.Len(t, got, 3)
	for _, b := range got {
		require.NoError(t, b.err)
	}
	require.Len(t, got[0].msgs, 3)
	assert.Equal(t, "uplink/latency", got[0].msgs[0].Topic)
	assert.Equal(t, 12.35, got[0].msgs[0].Payload)
	assert.Equal(t, 2.0, got[0].msgs[1].Payload)
	assert.Equal(t, "uplink/server", got[0].msgs[2].Topic)
	assert.Equal(t, 93.46, got[1].msgs[0].Payload)
	assert.Equal(t, "uplink/upload", got[2].msgs[0].Topic)
	assert.True(t, got[2].msgs[0].Retain)
	assert.True(t, sess.closed)
}

func TestFailedUploadKeepsEarlierBatches(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")
	sess := &fakeSession{upErr: []error{boom}}
	got := collect(newDriver(t, 0, sess))

	require.Len(t, got, 3)
	assert.NoError(t, got[0].err)
	assert.NoError(t, got[1].err)
	require.ErrorIs(t, got[2].err, boom)
	assert.Nil(t, got[2].msgs)
	assert.True(t, sess.closed)
}

func TestStageRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{
		pingErr: []error{driver.Transient(errors.New("dns"))},
		upErr:   []error{driver.Transient(errors.New("reset")), driver.Transient(errors.New("reset"))},
	}
	got := collect(newDriver(t, 2, sess))

	require.Len(t, got, 3)
	for _, b := range got {
		assert.NoError(t, b.err)
	}
	assert.Equal(t, 2, sess.pings)
	assert.Equal(t, 3, sess.uploads)
}

func TestConsumerStopEndsRun(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{}
	s := newDriver(t, 0, sess)
	for range s.StatusUpdates(context.Background()) {
		break
	}
	assert.Equal(t, 0, sess.uploads)
	assert.True(t, sess.closed)
}

func TestDiscoveryConfig(t *testing.T) {
	t.Parallel()
	s := newDriver(t, 0, &fakeSession{})
	msgs, err := s.DiscoveryConfig("gw/lwt")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "sensor/uplink/speedtest_download/config", msgs[2].Topic)
}

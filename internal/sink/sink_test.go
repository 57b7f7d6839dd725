package sink

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingSink remembers emitted messages
type recordingSink struct {
	name string
	err  error
	wait time.Duration

	mu   sync.Mutex
	msgs []Message
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Emit(ctx context.Context, msg Message) error {
	if r.wait > 0 {
		select {
		case <-time.After(r.wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingSink) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

type countingRecorder struct {
	mu         sync.Mutex
	deliveries map[string]int
	failures   int
	drops      int
}

func (c *countingRecorder) RecordDelivery(sink string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliveries == nil {
		c.deliveries = make(map[string]int)
	}
	c.deliveries[sink]++
	if err != nil {
		c.failures++
	}
}

func (c *countingRecorder) RecordDrop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops++
}

func testMessage(id string) Message {
	return Message{ID: id, Kind: KindPeak, Title: "Peak detected", Text: "TopLeft:1", Time: time.Now()}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s := NewLogSink(logger)
	require.NoError(t, s.Emit(context.Background(), testMessage("abc")))

	out := buf.String()
	assert.Contains(t, out, "TopLeft:1")
	assert.Contains(t, out, "kind=peak")
	assert.Contains(t, out, "id=abc")
	assert.Equal(t, "log", s.Name())
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Emit(context.Background(), testMessage("x")))
	assert.Equal(t, "nop", Nop{}.Name())
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b", err: errors.New("offline")}
	rec := &countingRecorder{}

	d := NewDispatcher(DefaultDispatcherConfig(), nil, a, b)
	d.SetRecorder(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.NoError(t, d.Emit(ctx, testMessage("1")))
	require.NoError(t, d.Emit(ctx, testMessage("2")))

	require.Eventually(t, func() bool {
		return len(a.Messages()) == 2 && len(b.Messages()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	stats := d.Stats()
	assert.Equal(t, uint64(2), stats.Delivered)
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, 2, stats.Sinks)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.deliveries["a"])
	assert.Equal(t, 2, rec.failures)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	rec := &countingRecorder{}
	d := NewDispatcher(DispatcherConfig{QueueSize: 2}, nil, &recordingSink{name: "a"})
	d.SetRecorder(rec)

	// Not running: the queue fills up
	require.NoError(t, d.Emit(context.Background(), testMessage("1")))
	require.NoError(t, d.Emit(context.Background(), testMessage("2")))

	err := d.Emit(context.Background(), testMessage("3"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)

	assert.Equal(t, uint64(1), d.Stats().Dropped)
	assert.Equal(t, 2, d.Stats().Queued)
	assert.Equal(t, 1, rec.drops)
}

func TestDispatcher_SendTimeout(t *testing.T) {
	slow := &recordingSink{name: "slow", wait: time.Second}
	d := NewDispatcher(DispatcherConfig{QueueSize: 1, SendTimeout: 20 * time.Millisecond}, nil, slow)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.NoError(t, d.Emit(ctx, testMessage("1")))
	require.Eventually(t, func() bool {
		return d.Stats().Failed == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestDefaultDispatcherConfig(t *testing.T) {
	cfg := DefaultDispatcherConfig()

	assert.Equal(t, 32, cfg.QueueSize)
	assert.Equal(t, 10*time.Second, cfg.SendTimeout)

	d := NewDispatcher(DispatcherConfig{}, nil)
	assert.Equal(t, 32, cap(d.queue))
}

func TestKindFilter(t *testing.T) {
	assert.True(t, kindFilter(nil).accepts(KindButton))
	assert.True(t, kindFilter{KindPeak}.accepts(KindPeak))
	assert.False(t, kindFilter{KindPeak}.accepts(KindButton))
}

// blockingSender holds every send until release is closed
type blockingSender struct {
	release chan struct{}
	sent    chan string
}

func (b *blockingSender) Send(message string, _ *stypes.Params) []error {
	<-b.release
	b.sent <- message
	return nil
}

type failingSender struct{}

func (failingSender) Send(string, *stypes.Params) []error {
	return []error{nil, errors.New("smtp: 550 mailbox unavailable")}
}

func TestNotifySink_HonoursContextDeadline(t *testing.T) {
	blocked := &blockingSender{release: make(chan struct{}), sent: make(chan string, 1)}
	s := &NotifySink{sender: blocked, logger: slog.Default()}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Emit(ctx, testMessage("1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	close(blocked.release)
	assert.Equal(t, "TopLeft:1", <-blocked.sent)
}

func TestNotifySink_ReportsSendErrors(t *testing.T) {
	s := &NotifySink{sender: failingSender{}, logger: slog.Default()}

	err := s.Emit(context.Background(), testMessage("1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "550")
}

func TestNotifySink_FiltersKinds(t *testing.T) {
	s := &NotifySink{cfg: NotifyConfig{Kinds: []Kind{KindButton}}, sender: failingSender{}, logger: slog.Default()}

	assert.NoError(t, s.Emit(context.Background(), testMessage("1")))
}

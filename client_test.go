package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// fakeTransport records sent frames. Notifications are driven by the test
// through its handler.
type fakeTransport struct {
	h TransportHandler

	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
}

func (t *fakeTransport) Send(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, append([]byte(nil), p...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) sentCalls(tb testing.TB) []callMsg {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := make([]callMsg, 0, len(t.sent))
	for _, b := range t.sent {
		var m callMsg
		require.NoError(tb, json.Unmarshal(b, &m))
		calls = append(calls, m)
	}
	return calls
}

func (t *fakeTransport) reply(id string, status any, extra string) {
	t.h.OnMessage(Frame{Type: FrameMessage, Data: []byte(fmt.Sprintf(`{"id":%q,"_":%v%s}`, id, status, extra))})
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(h TransportHandler) Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &fakeTransport{h: h}
	d.transports = append(d.transports, t)
	return t
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

// recorder is a Notifier keeping every published event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		names = append(names, ev.Name())
	}
	return names
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

// outcome collects the callbacks of one call.
type outcome struct {
	mu   sync.Mutex
	msgs []*Message
	errs []error
}

func (o *outcome) opts() []CallOption {
	return []CallOption{
		OnSuccess(func(m *Message, _ *Call) {
			o.mu.Lock()
			o.msgs = append(o.msgs, m)
			o.mu.Unlock()
		}),
		OnError(func(err error, _ *Call) {
			o.mu.Lock()
			o.errs = append(o.errs, err)
			o.mu.Unlock()
		}),
	}
}

func (o *outcome) results() (msgs []*Message, errs []error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append(msgs, o.msgs...), append(errs, o.errs...)
}

// testLogger keeps debug output of timer goroutines, which may outlive the
// test, out of t.Log.
func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

type testEnv struct {
	c     *Client
	d     *fakeDialer
	rec   *recorder
	clock *clock.Mock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	env := &testEnv{d: &fakeDialer{}, rec: &recorder{}, clock: clock.NewMock()}
	opts = append([]Option{WithClock(env.clock), WithLogger(testLogger(t))}, opts...)
	env.c = NewClient(env.d, env.rec, opts...)
	t.Cleanup(env.c.Shutdown)
	return env
}

func (env *testEnv) call(t *testing.T, method string, opts ...CallOption) string {
	t.Helper()
	id, err := env.c.Call(method, nil, opts...)
	require.NoError(t, err)
	require.Regexp(t, callIDPattern, id)
	return id
}

func TestCallQueuesUntilOpen(t *testing.T) {
	env := newTestEnv(t)

	a := env.call(t, "a")
	b := env.call(t, "b")
	require.Equal(t, 1, env.d.count(), "one transport for both calls")
	tr := env.d.last()
	assert.Empty(t, tr.sentCalls(t))
	queued, inflight := env.c.Pending()
	assert.Equal(t, 2, queued)
	assert.Equal(t, 0, inflight)
	assert.False(t, env.c.IsOpen())

	tr.h.OnOpen()
	assert.True(t, env.c.IsOpen())

	sent := tr.sentCalls(t)
	require.Len(t, sent, 2)
	// Newest first.
	assert.Equal(t, b, sent[0].ID)
	assert.Equal(t, "b", sent[0].Call)
	assert.Equal(t, a, sent[1].ID)
	assert.JSONEq(t, `{}`, string(sent[1].Args))
	queued, inflight = env.c.Pending()
	assert.Equal(t, 0, queued)
	assert.Equal(t, 2, inflight)
	assert.Equal(t, []string{EventConnect}, env.rec.names())
}

func TestCallSentImmediatelyWhenOpen(t *testing.T) {
	env := newTestEnv(t)
	env.call(t, "first")
	tr := env.d.last()
	tr.h.OnOpen()

	id, err := env.c.Call("second", map[string]int{"n": 2})
	require.NoError(t, err)
	sent := tr.sentCalls(t)
	require.Len(t, sent, 2)
	assert.Equal(t, id, sent[1].ID)
	assert.JSONEq(t, `{"n":2}`, string(sent[1].Args))
	assert.Equal(t, 1, env.d.count())
}

func TestCallEncodeError(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.c.Call("bad", make(chan int))
	assert.Error(t, err)
	assert.Empty(t, id)
	assert.Equal(t, 0, env.d.count())
}

func TestSuccessReply(t *testing.T) {
	env := newTestEnv(t)
	var o outcome
	id := env.call(t, "echo", o.opts()...)
	tr := env.d.last()
	tr.h.OnOpen()

	tr.reply(id, 1, `,"cool":"dude"`)

	msgs, errs := o.results()
	require.Len(t, msgs, 1)
	assert.Empty(t, errs)
	assert.Equal(t, "dude", msgs[0].Get("cool").String())
	queued, inflight := env.c.Pending()
	assert.Zero(t, queued+inflight)

	ev, ok := env.rec.last().(Reply)
	require.True(t, ok)
	assert.Equal(t, id, ev.Name())
	assert.Equal(t, "echo", ev.Call.Method)

	// A duplicate reply is no longer matched to the call.
	tr.reply(id, 1, "")
	msgs, _ = o.results()
	assert.Len(t, msgs, 1)
	assert.IsType(t, Pushed{}, env.rec.last())
}

func TestFailedReply(t *testing.T) {
	for _, status := range []string{"0", "-1", "0.4", `"1"`} {
		t.Run(status, func(t *testing.T) {
			env := newTestEnv(t)
			var o outcome
			id := env.call(t, "chat.join", o.opts()...)
			tr := env.d.last()
			tr.h.OnOpen()

			tr.reply(id, status, `,"call":"Unknown"`)

			msgs, errs := o.results()
			assert.Empty(t, msgs)
			require.Len(t, errs, 1)
			var rerr *ReplyError
			require.True(t, errors.As(errs[0], &rerr))
			assert.Equal(t, "Unknown", rerr.Message.Get("call").String())
			assert.Equal(t, []string{EventConnect}, env.rec.names(), "no error event by default")
		})
	}
}

func TestFailedReplyWithoutStatus(t *testing.T) {
	env := newTestEnv(t)
	var o outcome
	id := env.call(t, "x", o.opts()...)
	tr := env.d.last()
	tr.h.OnOpen()
	tr.h.OnMessage(Frame{Type: FrameMessage, Data: []byte(`{"id":"` + id + `"}`)})

	_, errs := o.results()
	require.Len(t, errs, 1)
	assert.IsType(t, &ReplyError{}, errs[0])
}

func TestErrorEvents(t *testing.T) {
	env := newTestEnv(t, WithErrorEvents())
	id := env.call(t, "x")
	tr := env.d.last()
	tr.h.OnOpen()
	tr.reply(id, 0, "")

	ev, ok := env.rec.last().(Failure)
	require.True(t, ok)
	assert.Equal(t, id+".error", ev.Name())
	assert.Equal(t, id, ev.Message.ID)
}

func TestCallWithoutHandlersStillResolves(t *testing.T) {
	env := newTestEnv(t)
	a := env.call(t, "a")
	b := env.call(t, "b")
	tr := env.d.last()
	tr.h.OnOpen()
	tr.reply(a, 1, "")
	tr.reply(b, 0, "")
	queued, inflight := env.c.Pending()
	assert.Zero(t, queued+inflight)
}

func TestTimeout(t *testing.T) {
	env := newTestEnv(t)
	var o outcome
	id := env.call(t, "slow", append(o.opts(), Timeout(5*time.Second))...)
	tr := env.d.last()
	tr.h.OnOpen()

	env.clock.Add(4 * time.Second)
	_, errs := o.results()
	assert.Empty(t, errs)

	env.clock.Add(time.Second)
	require.Eventually(t, func() bool {
		_, errs := o.results()
		return len(errs) == 1
	}, time.Second, time.Millisecond)
	_, errs = o.results()
	assert.ErrorIs(t, errs[0], ErrTimeout)
	require.Eventually(t, func() bool {
		_, ok := env.rec.last().(TimedOut)
		return ok
	}, time.Second, time.Millisecond)
	assert.Equal(t, id+".timeout", env.rec.last().Name())

	// A late success is published as a pushed event; callbacks stay silent.
	tr.reply(id, 1, "")
	msgs, errs := o.results()
	assert.Empty(t, msgs)
	assert.Len(t, errs, 1)
	pushed, ok := env.rec.last().(Pushed)
	require.True(t, ok)
	assert.Equal(t, id, pushed.Name())

	// A late failure is dropped.
	n := len(env.rec.names())
	tr.reply(id, 0, "")
	assert.Len(t, env.rec.names(), n)
}

func TestTimeoutStoppedByReply(t *testing.T) {
	env := newTestEnv(t)
	var o outcome
	id := env.call(t, "fast", append(o.opts(), Timeout(time.Second))...)
	tr := env.d.last()
	tr.h.OnOpen()
	tr.reply(id, 1, "")

	env.clock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	msgs, errs := o.results()
	assert.Len(t, msgs, 1)
	assert.Empty(t, errs)
}

func TestTimeoutWhileQueuedIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	var o outcome
	env.call(t, "queued", append(o.opts(), Timeout(time.Second))...)

	env.clock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	_, errs := o.results()
	assert.Empty(t, errs)
	queued, _ := env.c.Pending()
	assert.Equal(t, 1, queued)
}

func TestPushedEvents(t *testing.T) {
	env := newTestEnv(t)
	env.call(t, "chat.join")
	tr := env.d.last()
	tr.h.OnOpen()

	tr.reply("chat.msg", 1, `,"channel":"lobby","body":{"text":"hi"}`)
	ev, ok := env.rec.last().(Pushed)
	require.True(t, ok)
	assert.Equal(t, "chat.msg", ev.Name())
	assert.Equal(t, "hi", ev.Message.Get("body.text").String())

	// Failed events without a waiting call are dropped.
	n := len(env.rec.names())
	tr.reply("chat.msg", 0, "")
	tr.reply("_UNKNOWN", 0, "")
	assert.Len(t, env.rec.names(), n)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	env := newTestEnv(t)
	var o outcome
	id := env.call(t, "x", o.opts()...)
	tr := env.d.last()
	tr.h.OnOpen()

	for _, data := range []string{"not json", "[1]", `{"_":1}`, `{"id":5,"_":1}`, `{"id":"` + id} {
		tr.h.OnMessage(Frame{Type: FrameMessage, Data: []byte(data)})
	}
	tr.h.OnMessage(Frame{Type: FrameBinary, Data: []byte(`{"id":"` + id + `","_":1}`)})
	tr.h.OnMessage(Frame{Type: FrameControl})

	msgs, errs := o.results()
	assert.Empty(t, msgs)
	assert.Empty(t, errs)
	_, inflight := env.c.Pending()
	assert.Equal(t, 1, inflight)
	assert.Equal(t, []string{EventConnect}, env.rec.names())
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	env.call(t, "x")
	tr := env.d.last()
	tr.h.OnOpen()
	tr.h.OnHeartbeat()
	assert.Equal(t, []string{EventConnect, EventHeartbeat}, env.rec.names())
	assert.IsType(t, Heartbeat{}, env.rec.last())
}

func TestReconnectBackoff(t *testing.T) {
	env := newTestEnv(t)
	var o outcome
	a := env.call(t, "a", o.opts()...)
	t1 := env.d.last()
	t1.h.OnOpen()

	t1.h.OnClose(errors.New("reset"))
	assert.False(t, env.c.IsOpen())
	assert.Equal(t, 1, env.c.ReconnectFailures())
	dis, ok := env.rec.last().(Disconnected)
	require.True(t, ok)
	assert.EqualError(t, dis.Err, "reset")

	// First retry is immediate.
	env.clock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return env.d.count() == 2 }, time.Second, time.Millisecond)

	// The second transport never opens.
	t2 := env.d.last()
	t2.h.OnClose(errors.New("refused"))
	assert.Equal(t, 2, env.c.ReconnectFailures())

	env.clock.Add(700 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, env.d.count())
	env.clock.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return env.d.count() == 3 }, time.Second, time.Millisecond)

	// Calls made while disconnected go out on the new transport; the call
	// in flight on the dropped one is not resent.
	b := env.call(t, "b")
	t3 := env.d.last()
	t3.h.OnOpen()
	assert.Zero(t, env.c.ReconnectFailures())
	sent := t3.sentCalls(t)
	require.Len(t, sent, 1)
	assert.Equal(t, b, sent[0].ID)

	// A reply to the earlier call still resolves it.
	t3.reply(a, 1, "")
	msgs, _ := o.results()
	assert.Len(t, msgs, 1)
}

func TestStaleTransportIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	var o outcome
	id := env.call(t, "a", o.opts()...)
	t1 := env.d.last()
	t1.h.OnOpen()
	t1.h.OnClose(nil)
	env.clock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return env.d.count() == 2 }, time.Second, time.Millisecond)
	t2 := env.d.last()
	events := len(env.rec.names())

	t1.reply(id, 1, "")
	t1.h.OnOpen()
	t1.h.OnHeartbeat()
	t1.h.OnClose(errors.New("again"))

	msgs, errs := o.results()
	assert.Empty(t, msgs)
	assert.Empty(t, errs)
	assert.Len(t, env.rec.names(), events)
	assert.False(t, env.c.IsOpen())
	assert.Equal(t, 1, env.c.ReconnectFailures())

	t2.h.OnOpen()
	t2.reply(id, 1, "")
	msgs, _ = o.results()
	assert.Len(t, msgs, 1)
}

func TestNilTransportSchedulesReconnect(t *testing.T) {
	var dials int
	var mu sync.Mutex
	d := &fakeDialer{}
	dialer := DialerFunc(func(h TransportHandler) Transport {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return nil
		}
		return d.Dial(h)
	})
	mock := clock.NewMock()
	c := NewClient(dialer, nil, WithClock(mock), WithLogger(testLogger(t)))
	t.Cleanup(c.Shutdown)

	_, err := c.Call("x", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.ReconnectFailures())
	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, time.Millisecond)
}

func TestSendFailureLeavesCallInFlight(t *testing.T) {
	env := newTestEnv(t)
	var o outcome
	env.call(t, "first")
	tr := env.d.last()
	tr.h.OnOpen()
	tr.mu.Lock()
	tr.sendErr = errors.New("broken pipe")
	tr.mu.Unlock()

	env.call(t, "second", append(o.opts(), Timeout(time.Second))...)
	queued, inflight := env.c.Pending()
	assert.Equal(t, 0, queued)
	assert.Equal(t, 2, inflight)

	env.clock.Add(time.Second)
	require.Eventually(t, func() bool {
		_, errs := o.results()
		return len(errs) == 1 && errors.Is(errs[0], ErrTimeout)
	}, time.Second, time.Millisecond)
}

func TestShutdownFailsQueuedCalls(t *testing.T) {
	env := newTestEnv(t)
	var o outcome
	env.call(t, "queued", append(o.opts(), Timeout(time.Second))...)
	tr := env.d.last()

	env.c.Shutdown()
	assert.True(t, tr.isClosed())
	_, errs := o.results()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrShutdown)

	id, err := env.c.Call("late", nil)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Empty(t, id)

	// The close notification arrives later; no redial follows.
	tr.h.OnClose(nil)
	env.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, env.d.count())
	_, errs = o.results()
	assert.Len(t, errs, 1, "the stopped timeout never fires")

	env.c.Shutdown()
	assert.NoError(t, env.c.Close())
}

func TestShutdownLeavesInflightCalls(t *testing.T) {
	env := newTestEnv(t)
	var o outcome
	env.call(t, "a", o.opts()...)
	tr := env.d.last()
	tr.h.OnOpen()

	env.c.Shutdown()
	msgs, errs := o.results()
	assert.Empty(t, msgs)
	assert.Empty(t, errs)
	_, inflight := env.c.Pending()
	assert.Equal(t, 1, inflight)
}

func TestShutdownCancelsPendingReconnect(t *testing.T) {
	env := newTestEnv(t)
	env.call(t, "a")
	env.d.last().h.OnClose(nil)
	env.clock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return env.d.count() == 2 }, time.Second, time.Millisecond)

	// The second failure waits before redialing; Shutdown cancels the wait.
	env.d.last().h.OnClose(nil)
	env.c.Shutdown()
	env.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, env.d.count())
}

func TestCloseWithoutShutdownRedials(t *testing.T) {
	env := newTestEnv(t)
	var o outcome
	env.call(t, "a")
	tr := env.d.last()
	tr.h.OnOpen()

	require.NoError(t, env.c.Close())
	assert.True(t, tr.isClosed())
	assert.False(t, env.c.IsOpen())

	// A call after Close dials a fresh transport.
	env.call(t, "b", o.opts()...)
	assert.Equal(t, 2, env.d.count())

	// The closed transport still reports its close; it is no longer current.
	tr.h.OnClose(nil)
	assert.Zero(t, env.c.ReconnectFailures())
}

func TestCallbackMayReenterClient(t *testing.T) {
	env := newTestEnv(t)
	var (
		mu             sync.Mutex
		pendingInside  int
		nextID         string
		reentrantError error
	)
	id := env.call(t, "first", OnSuccess(func(*Message, *Call) {
		_, inflight := env.c.Pending()
		next, err := env.c.Call("second", nil)
		mu.Lock()
		pendingInside, nextID, reentrantError = inflight, next, err
		mu.Unlock()
	}))
	tr := env.d.last()
	tr.h.OnOpen()
	tr.reply(id, 1, "")

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, reentrantError)
	assert.Zero(t, pendingInside, "resolved call is gone before the callback runs")
	sent := tr.sentCalls(t)
	require.Len(t, sent, 2)
	assert.Equal(t, nextID, sent[1].ID)
}

func TestCallIDsAvoidLiveCollisions(t *testing.T) {
	env := newTestEnv(t)
	ids := []string{"_AAAAAAAAAA", "_AAAAAAAAAA", "_AAAAAAAAAA", "_BBBBBBBBBB"}
	env.c.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	a, err := env.c.Call("a", nil)
	require.NoError(t, err)
	b, err := env.c.Call("b", nil)
	require.NoError(t, err)
	assert.Equal(t, "_AAAAAAAAAA", a)
	assert.Equal(t, "_BBBBBBBBBB", b)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	env := newTestEnv(t, WithMetrics(m))

	ok := env.call(t, "ok")
	bad := env.call(t, "bad")
	env.call(t, "slow", Timeout(time.Second))
	tr := env.d.last()
	tr.h.OnOpen()
	assert.Equal(t, 3.0, testutil.ToFloat64(m.calls))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.inflight))

	tr.reply(ok, 1, "")
	tr.reply(bad, 0, "")
	tr.reply("chat.msg", 1, "")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replies.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replies.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pushed))

	env.clock.Add(time.Second)
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.timeouts) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))

	tr.h.OnClose(nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.called()
	m.replied(true)
	m.timedOut()
	m.pushedEvent()
	m.disconnected()
	m.addInflight(1)
}

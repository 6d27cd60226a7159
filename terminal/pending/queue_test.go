package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/terminal/idempotency"
	"github.com/mesa-systems/mesa-stack/terminal/restclient"
)

func newEnvelope(t *testing.T, module string, amount int) MutationEnvelope {
	t.Helper()
	key := idempotency.NewKey()
	payload, err := json.Marshal(map[string]any{"transaction_id": key, "amount": amount})
	require.NoError(t, err)
	return MutationEnvelope{
		IdempotencyKey: key,
		Module:         module,
		RestaurantID:   "r-1",
		Endpoint:       "/api/v1/restaurants/r-1/cash/movements",
		Method:         "POST",
		Payload:        payload,
	}
}

type replayCall struct {
	method   string
	endpoint string
	key      string
}

// scriptedDispatcher answers replays from a per-key script; unknown keys succeed.
type scriptedDispatcher struct {
	mu     sync.Mutex
	calls  []replayCall
	errs   map[string]error
	block  chan struct{}
	called chan struct{}
}

func newDispatcher() *scriptedDispatcher {
	return &scriptedDispatcher{errs: make(map[string]error)}
}

func (d *scriptedDispatcher) Replay(ctx context.Context, method, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	var body struct {
		TransactionID string `json:"transaction_id"`
	}
	_ = json.Unmarshal(payload, &body)

	d.mu.Lock()
	d.calls = append(d.calls, replayCall{method: method, endpoint: endpoint, key: body.TransactionID})
	err := d.errs[body.TransactionID]
	block, called := d.block, d.called
	d.mu.Unlock()

	if called != nil {
		called <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"id":"m-%s"}`, body.TransactionID[:8])), nil
}

func (d *scriptedDispatcher) keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.key
	}
	return out
}

type recordingRegistry struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (r *recordingRegistry) Register(key string) {
	r.mu.Lock()
	r.registered = append(r.registered, key)
	r.mu.Unlock()
}

func (r *recordingRegistry) Unregister(key string) {
	r.mu.Lock()
	r.unregistered = append(r.unregistered, key)
	r.mu.Unlock()
}

func networkErr() error {
	return &restclient.NetworkError{Method: "POST", URL: "http://erp", Err: errors.New("connection refused")}
}

func newQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	q := New(NewMemoryBackend(), opts...)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnvelopeValidate(t *testing.T) {
	good := newEnvelope(t, "cash", 1)
	require.NoError(t, good.Validate())

	badKey := good
	badKey.IdempotencyKey = "nope"
	assert.ErrorIs(t, badKey.Validate(), ErrInvalidEnvelope)

	noModule := good
	noModule.Module = ""
	assert.ErrorIs(t, noModule.Validate(), ErrInvalidEnvelope)

	mismatched := good
	mismatched.Payload = json.RawMessage(`{"transaction_id":"other"}`)
	assert.ErrorIs(t, mismatched.Validate(), ErrInvalidEnvelope)

	notObject := good
	notObject.Payload = json.RawMessage(`[1,2]`)
	assert.ErrorIs(t, notObject.Validate(), ErrInvalidEnvelope)
}

func TestAdd(t *testing.T) {
	now := time.Date(2026, 6, 1, 21, 0, 0, 0, time.UTC)
	q := newQueue(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	env := newEnvelope(t, "cash", 150)
	require.NoError(t, q.Add(ctx, env))

	stored, ok, err := q.Get(ctx, env.IdempotencyKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateQueued, stored.State)
	assert.Equal(t, now, stored.FirstAttemptedAt)

	bad := env
	bad.Method = ""
	assert.ErrorIs(t, q.Add(ctx, bad), ErrInvalidEnvelope)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFlush_FIFOWithOriginalKeys(t *testing.T) {
	reg := &recordingRegistry{}
	q := newQueue(t, WithKeyRegistry(reg))
	ctx := context.Background()

	envs := []MutationEnvelope{newEnvelope(t, "cash", 1), newEnvelope(t, "cash", 2), newEnvelope(t, "orders", 3)}
	for _, env := range envs {
		require.NoError(t, q.Add(ctx, env))
	}

	var settled []Settlement
	q.OnSettled(func(s Settlement) { settled = append(settled, s) })

	d := newDispatcher()
	report, err := q.Flush(ctx, d)
	require.NoError(t, err)

	wantKeys := []string{envs[0].IdempotencyKey, envs[1].IdempotencyKey, envs[2].IdempotencyKey}
	assert.Equal(t, wantKeys, d.keys())
	assert.Len(t, report.Confirmed, 3)
	assert.Equal(t, 0, report.Remaining)
	assert.NoError(t, report.Interrupted)
	assert.Equal(t, 3, report.Settled())

	assert.Equal(t, wantKeys, reg.registered, "replays are registered with the echo guard")
	assert.Empty(t, reg.unregistered)

	require.Len(t, settled, 3)
	for i, s := range settled {
		assert.Equal(t, OutcomeConfirmed, s.Outcome)
		assert.Equal(t, StateConfirmed, s.Envelope.State)
		assert.Equal(t, 1, s.Envelope.Attempts)
		assert.Equal(t, wantKeys[i], s.Envelope.IdempotencyKey)
		assert.NotEmpty(t, s.Response)
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFlush_StopsAtFirstNetworkFailure(t *testing.T) {
	reg := &recordingRegistry{}
	q := newQueue(t, WithKeyRegistry(reg))
	ctx := context.Background()

	a, b, c := newEnvelope(t, "cash", 1), newEnvelope(t, "cash", 2), newEnvelope(t, "cash", 3)
	for _, env := range []MutationEnvelope{a, b, c} {
		require.NoError(t, q.Add(ctx, env))
	}

	d := newDispatcher()
	d.errs[b.IdempotencyKey] = networkErr()

	report, err := q.Flush(ctx, d)
	require.NoError(t, err)
	assert.Len(t, report.Confirmed, 1)
	assert.Equal(t, 2, report.Remaining)
	assert.True(t, restclient.IsNetwork(report.Interrupted))
	assert.Equal(t, []string{a.IdempotencyKey, b.IdempotencyKey}, d.keys(), "c must not be attempted")
	assert.Equal(t, []string{b.IdempotencyKey}, reg.unregistered)

	remaining, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, b.IdempotencyKey, remaining[0].IdempotencyKey)
	assert.Equal(t, c.IdempotencyKey, remaining[1].IdempotencyKey)
	assert.Equal(t, 1, remaining[0].Attempts)
	assert.Equal(t, StateQueued, remaining[0].State)
	assert.Contains(t, remaining[0].LastError, "connection refused")

	delete(d.errs, b.IdempotencyKey)
	report, err = q.Flush(ctx, d)
	require.NoError(t, err)
	assert.Len(t, report.Confirmed, 2)
	assert.Equal(t, 2, report.Confirmed[0].Attempts)
}

func TestFlush_RejectionAndUnauthorized(t *testing.T) {
	reg := &recordingRegistry{}
	q := newQueue(t, WithKeyRegistry(reg))
	ctx := context.Background()

	rejected, unauthorized, ok := newEnvelope(t, "reservations", 1), newEnvelope(t, "cash", 2), newEnvelope(t, "cash", 3)
	for _, env := range []MutationEnvelope{rejected, unauthorized, ok} {
		require.NoError(t, q.Add(ctx, env))
	}

	d := newDispatcher()
	d.errs[rejected.IdempotencyKey] = &restclient.RejectionError{Status: 409, Code: "reservation_overlap"}
	d.errs[unauthorized.IdempotencyKey] = fmt.Errorf("%w (401): token expired", restclient.ErrUnauthorized)

	outcomes := map[string]Outcome{}
	q.OnSettled(func(s Settlement) { outcomes[s.Envelope.IdempotencyKey] = s.Outcome })

	report, err := q.Flush(ctx, d)
	require.NoError(t, err)

	require.Len(t, report.Discarded, 1)
	require.Len(t, report.Abandoned, 1)
	require.Len(t, report.Confirmed, 1)
	assert.Equal(t, StateDiscarded, report.Discarded[0].State)
	assert.Equal(t, StateAbandoned, report.Abandoned[0].State)
	assert.Equal(t, OutcomeDiscarded, outcomes[rejected.IdempotencyKey])
	assert.Equal(t, OutcomeAbandoned, outcomes[unauthorized.IdempotencyKey])
	assert.Equal(t, OutcomeConfirmed, outcomes[ok.IdempotencyKey])
	assert.ElementsMatch(t, []string{rejected.IdempotencyKey, unauthorized.IdempotencyKey}, reg.unregistered)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// A replay answered "still in progress" has no outcome yet: it stays queued,
// holds back the envelopes behind it, and goes out again on the next flush.
func TestFlush_InProgressStaysQueued(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	movement, next := newEnvelope(t, "cash", 15000), newEnvelope(t, "cash", 200)
	require.NoError(t, q.Add(ctx, movement))
	require.NoError(t, q.Add(ctx, next))

	settled := 0
	q.OnSettled(func(Settlement) { settled++ })

	d := newDispatcher()
	d.errs[movement.IdempotencyKey] = &restclient.RejectionError{
		Status: http.StatusConflict, Code: restclient.CodeTransactionInProgress, Message: "transaction is still being processed",
	}

	report, err := q.Flush(ctx, d)
	require.NoError(t, err)
	assert.Empty(t, report.Discarded)
	assert.Equal(t, 2, report.Remaining)
	require.Error(t, report.Interrupted)
	assert.Zero(t, settled)

	list, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, movement.IdempotencyKey, list[0].IdempotencyKey)
	assert.Equal(t, StateQueued, list[0].State)

	delete(d.errs, movement.IdempotencyKey)
	report, err = q.Flush(ctx, d)
	require.NoError(t, err)
	require.Len(t, report.Confirmed, 2)
	assert.Equal(t, movement.IdempotencyKey, report.Confirmed[0].IdempotencyKey)
	assert.Equal(t, 2, report.Confirmed[0].Attempts)
}

func TestFlush_SingleFlight(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	env := newEnvelope(t, "cash", 150)
	require.NoError(t, q.Add(ctx, env))

	d := newDispatcher()
	d.block = make(chan struct{})
	d.called = make(chan struct{}, 4)

	type result struct {
		report FlushReport
		err    error
	}
	first := make(chan result, 1)
	go func() {
		r, err := q.Flush(ctx, d)
		first <- result{r, err}
	}()
	<-d.called

	second := make(chan result, 1)
	go func() {
		r, err := q.Flush(ctx, d)
		second <- result{r, err}
	}()

	// Give the second caller time to join the running flush.
	time.Sleep(20 * time.Millisecond)
	close(d.block)

	r1, r2 := <-first, <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Len(t, r1.report.Confirmed, 1)
	assert.Equal(t, r1.report.Confirmed, r2.report.Confirmed)
	assert.Equal(t, []string{env.IdempotencyKey}, d.keys(), "no double dispatch")
}

func TestFlush_CancelledContextLeavesQueue(t *testing.T) {
	q := newQueue(t)
	require.NoError(t, q.Add(context.Background(), newEnvelope(t, "cash", 1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := q.Flush(ctx, newDispatcher())
	require.NoError(t, err)
	assert.ErrorIs(t, report.Interrupted, context.Canceled)
	assert.Equal(t, 1, report.Remaining)
}

func TestRemove(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	env := newEnvelope(t, "reservations", 1)
	require.NoError(t, q.Add(ctx, env))

	var got Settlement
	cancelHook := q.OnSettled(func(s Settlement) { got = s })

	require.NoError(t, q.Remove(ctx, env.IdempotencyKey))
	assert.Equal(t, OutcomeDiscarded, got.Outcome)
	assert.ErrorIs(t, got.Err, ErrCancelled)
	assert.ErrorIs(t, q.Remove(ctx, env.IdempotencyKey), ErrNotQueued)

	cancelHook()
	require.NoError(t, q.Add(ctx, env))
	got = Settlement{}
	require.NoError(t, q.Remove(ctx, env.IdempotencyKey))
	assert.Empty(t, got.Envelope.IdempotencyKey, "cancelled hooks are not called")
}

func TestBoltQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.db")
	ctx := context.Background()

	backend, err := OpenBoltBackend(path)
	require.NoError(t, err)
	q := New(backend, WithLogger(logging.Discard()))

	a, b := newEnvelope(t, "cash", 150), newEnvelope(t, "orders", 2)
	require.NoError(t, q.Add(ctx, a))
	require.NoError(t, q.Add(ctx, b))
	require.NoError(t, q.Close())

	backend, err = OpenBoltBackend(path)
	require.NoError(t, err)
	q = New(backend, WithLogger(logging.Discard()))
	defer q.Close()

	d := newDispatcher()
	report, err := q.Flush(ctx, d)
	require.NoError(t, err)
	assert.Len(t, report.Confirmed, 2)
	assert.Equal(t, []string{a.IdempotencyKey, b.IdempotencyKey}, d.keys())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "confirmed", OutcomeConfirmed.String())
	assert.Equal(t, "discarded", OutcomeDiscarded.String())
	assert.Equal(t, "abandoned", OutcomeAbandoned.String())
	assert.Equal(t, "unknown", Outcome(7).String())
}

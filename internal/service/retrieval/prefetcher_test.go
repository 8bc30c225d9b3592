package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRetriever answers after delay, or fails with err.
type fakeRetriever struct {
	delay    time.Duration
	err      error
	calls    atomic.Int32
	finished chan struct{}
	canceled atomic.Bool
}

func newFakeRetriever(delay time.Duration) *fakeRetriever {
	return &fakeRetriever{delay: delay, finished: make(chan struct{}, 8)}
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	f.calls.Add(1)
	defer func() { f.finished <- struct{}{} }()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		f.canceled.Store(true)
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	low := &schema.Document{ID: "b", Content: "Males reach roughly 1.1 kg by day 22."}
	high := &schema.Document{ID: "a", Content: "Ross 308 performance objectives list daily weights."}
	return []*schema.Document{low.WithScore(0.4), high.WithScore(0.9)}, nil
}

func (f *fakeRetriever) waitFinished(t *testing.T) {
	t.Helper()
	select {
	case <-f.finished:
	case <-time.After(2 * time.Second):
		t.Fatal("retriever never returned")
	}
}

func TestAwaitReturnsContextWithinDeadline(t *testing.T) {
	r := newFakeRetriever(120 * time.Millisecond)
	p := NewPrefetcher(context.Background(), r, Options{})
	defer p.Close()

	h := p.Speculate("What is the weight of a Ross 308 male at 22 days")
	time.Sleep(50 * time.Millisecond) // end-of-speech arrives later

	res, ok := p.Await(h, 200*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, StatusReady, h.Status())
	require.Len(t, res.Passages, 2)
	assert.Equal(t, 0.9, res.Passages[0].Score)
	assert.Contains(t, res.Text, "[1] Ross 308")
	assert.EqualValues(t, 1, p.Issued())
}

func TestAwaitTimesOutAndDiscardsLateResult(t *testing.T) {
	r := newFakeRetriever(500 * time.Millisecond)
	p := NewPrefetcher(context.Background(), r, Options{})
	defer p.Close()

	h := p.Speculate("What is the weight of a Ross 308 male at 22 days")

	start := time.Now()
	res, ok := p.Await(h, 200*time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Empty(t, res.Text)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)
	assert.Equal(t, StatusTimedOut, h.Status())

	// the query is detached, not aborted
	r.waitFinished(t)
	assert.False(t, r.canceled.Load())
	assert.Equal(t, StatusTimedOut, h.Status())
}

func TestAwaitFailedRetrieval(t *testing.T) {
	r := newFakeRetriever(0)
	r.err = errors.New("index unavailable")
	p := NewPrefetcher(context.Background(), r, Options{})
	defer p.Close()

	h := p.Speculate("anything at all goes here")
	_, ok := p.Await(h, 200*time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, StatusFailed, h.Status())
	assert.EqualError(t, h.Err(), "index unavailable")
}

func TestCancelAbandonsQuery(t *testing.T) {
	r := newFakeRetriever(time.Second)
	p := NewPrefetcher(context.Background(), r, Options{})
	defer p.Close()

	h := p.Speculate("what is the weight today")
	p.Cancel(h)

	r.waitFinished(t)
	assert.True(t, r.canceled.Load())
	assert.Equal(t, StatusCanceled, h.Status())

	_, ok := p.Await(h, 200*time.Millisecond)
	assert.False(t, ok)
}

func TestCloseCancelsOutstanding(t *testing.T) {
	r := newFakeRetriever(time.Second)
	p := NewPrefetcher(context.Background(), r, Options{})

	h1 := p.Speculate("first query words here")
	h2 := p.Speculate("second query words here")
	p.Close()

	r.waitFinished(t)
	r.waitFinished(t)
	assert.Equal(t, StatusCanceled, h1.Status())
	assert.Equal(t, StatusCanceled, h2.Status())

	h3 := p.Speculate("after close")
	assert.Equal(t, StatusCanceled, h3.Status())
	assert.EqualValues(t, 2, r.calls.Load())
}

func TestSessionContextCancelsAwait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newFakeRetriever(time.Second)
	p := NewPrefetcher(ctx, r, Options{})

	h := p.Speculate("the session goes away")
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, ok := p.Await(h, 5*time.Second)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusCanceled, h.Status())
}

func TestNilRetrieverFailsImmediately(t *testing.T) {
	p := NewPrefetcher(context.Background(), nil, Options{})
	defer p.Close()

	h := p.Speculate("no backend configured")
	_, ok := p.Await(h, time.Second)
	assert.False(t, ok)
	assert.Equal(t, StatusFailed, h.Status())
	assert.Zero(t, p.Issued())
}

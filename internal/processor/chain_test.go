package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	ran []string
}

func (r *recorder) fn(name string, err error) Func {
	return func(context.Context, Run) error {
		r.mu.Lock()
		r.ran = append(r.ran, name)
		r.mu.Unlock()
		return err
	}
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func TestSerialChain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		ignoreFail bool
		wantRan    []string
	}{
		{"stops at first failure", false, []string{"first", "second"}},
		{"ignore fail continues", true, []string{"first", "second", "third"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			c := NewChain("serial", Serial)
			c.AddProcessor(NewFunc("first", rec.fn("first", nil)))
			second := c.AddProcessor(NewFunc("second", rec.fn("second", errors.New("fail"))))
			second.SetIgnoreFail(tt.ignoreFail)
			c.AddProcessor(NewFunc("third", rec.fn("third", nil)))

			var results []bool
			c.RegisterDoneCallback(func(ok bool) { results = append(results, ok) })

			err := c.Process(context.Background(), false)
			require.Error(t, err, "failure is remembered")
			assert.True(t, errors.Is(err, ErrProcessFailed))
			assert.Equal(t, tt.wantRan, rec.names())
			assert.Equal(t, []bool{false}, results)
		})
	}
}

func TestSerialChain_PropagatesDirectoryAndConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var got []Run
	collect := func(_ context.Context, run Run) error {
		got = append(got, run)
		return nil
	}
	c := NewChain("", Serial)
	child := NewFunc("child", collect)
	child.Configuration().Set("own", Int(1))
	c.AddProcessor(child)
	c.AddProcessor(NewFunc("other", collect))

	require.NoError(t, c.SetRunningDirectory(dir))
	c.Configuration().Set("sample", String("A"))
	require.NoError(t, c.Process(context.Background(), false))

	require.Len(t, got, 2)
	for _, run := range got {
		assert.Equal(t, dir, run.RunningDirectory)
		assert.Equal(t, String("A"), run.Config["sample"])
	}
	assert.Equal(t, Int(1), got[0].Config["own"])
	assert.Equal(t, KindChain, c.Kind())
	assert.Equal(t, Serial, c.Mode())
	assert.Len(t, c.Processors(), 2)
}

func TestAsyncChain_RunsChildrenConcurrently(t *testing.T) {
	t.Parallel()

	const n = 3
	var barrier sync.WaitGroup
	barrier.Add(n)
	rec := &recorder{}
	c := NewChain("async", Async)
	defer c.Close()
	for _, name := range []string{"a", "b", "c"} {
		c.AddProcessor(NewFunc(name, func(ctx context.Context, run Run) error {
			// Every child must be running at once to get past the barrier.
			barrier.Done()
			barrier.Wait()
			return rec.fn(name, nil)(ctx, run)
		}))
	}
	for _, p := range c.Processors() {
		assert.Equal(t, KindAsync, p.Kind())
	}

	done := make(chan error, 1)
	go func() { done <- c.Process(context.Background(), false) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("async chain did not run children concurrently")
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, rec.names())
}

func TestAsyncChain_FailureAndDisabled(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := NewChain("async", Async)
	defer c.Close()
	c.AddProcessor(NewFunc("ok", rec.fn("ok", nil)))
	bad := c.AddProcessor(NewFunc("bad", rec.fn("bad", errors.New("fail"))))
	bad.SetIgnoreFail(true)
	off := c.AddProcessor(NewFunc("off", rec.fn("off", nil)))
	off.SetEnabled(false)
	c.AddProcessor(NewFunc("last", rec.fn("last", nil)))

	err := c.Process(context.Background(), false)
	require.Error(t, err, "ignoreFail has no effect in async mode")
	assert.ElementsMatch(t, []string{"ok", "bad", "last"}, rec.names())
}

func TestParseChainMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]ChainMode{"": Serial, "serial": Serial, "ASYNC": Async, "parallel": Async} {
		got, err := ParseChainMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseChainMode("round-robin")
	assert.Error(t, err)
	assert.Equal(t, "async", Async.String())
	assert.Equal(t, "serial", Serial.String())
}

func TestAsyncProcessor(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	inner := NewFunc("inner", func(context.Context, Run) error {
		<-release
		return errors.New("late failure")
	})
	a := NewAsync(inner)
	defer a.Close()

	results := make(chan bool, 1)
	a.RegisterDoneCallback(func(ok bool) { results <- ok })

	// Process returns once the run has started, not when it finishes.
	require.NoError(t, a.Process(context.Background(), false))
	close(release)
	err := a.WaitUntilDone()
	assert.True(t, errors.Is(err, ErrProcessFailed))
	assert.False(t, <-results)

	assert.Equal(t, "inner", a.ID())
	assert.Same(t, inner, a.Processor())
}

func TestAsyncProcessor_DisabledAndClosed(t *testing.T) {
	t.Parallel()

	calls := 0
	inner := NewFunc("inner", okFunc(&calls))
	a := NewAsync(inner)

	a.SetEnabled(false)
	require.NoError(t, a.Process(context.Background(), false))
	require.NoError(t, a.WaitUntilDone())
	assert.Equal(t, 0, calls)

	a.SetEnabled(true)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Process(context.Background(), false), ErrClosed)
	require.NoError(t, a.WaitUntilDone())
	assert.Equal(t, 0, calls)
}

package promise

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestPromise_ResolveThenWait(t *testing.T) {
	is := is.New(t)
	p := New[string]()

	go p.Resolve("answer")

	v, err := p.Wait(context.Background())
	is.NoErr(err)
	is.Equal(v, "answer")
}

func TestPromise_FirstCompletionWins(t *testing.T) {
	is := is.New(t)
	p := Resolved(1)
	p.Resolve(2)
	p.Reject(errors.New("late"))
	p.Interrupt()

	v, err := p.Wait(context.Background())
	is.NoErr(err)
	is.Equal(v, 1)
}

func TestPromise_Reject(t *testing.T) {
	is := is.New(t)
	boom := errors.New("boom")

	_, err := Rejected[int](boom).Wait(context.Background())
	is.True(errors.Is(err, boom))
}

func TestPromise_WaitHonoursContext(t *testing.T) {
	is := is.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := New[int]().Wait(ctx)
	is.True(errors.Is(err, context.DeadlineExceeded))
}

func TestPromise_InterruptReleasesWaiters(t *testing.T) {
	is := is.New(t)
	p := New[int]()

	go p.Interrupt()

	_, err := p.Wait(context.Background())
	is.True(errors.Is(err, ErrInterrupted))
}

func TestPromise_ReleaseReportsRejection(t *testing.T) {
	is := is.New(t)
	p := New[struct{}]()
	got := make(chan error, 1)

	p.Release(func(err error) { got <- err })
	p.Reject(errors.New("set-remote-description failed"))

	select {
	case err := <-got:
		is.Equal(err.Error(), "set-remote-description failed")
	case <-time.After(time.Second):
		t.Fatal("expected rejection to be reported")
	}
}

func TestPromise_ReleaseIgnoresSuccess(t *testing.T) {
	p := New[struct{}]()
	got := make(chan error, 1)

	p.Release(func(err error) { got <- err })
	p.Resolve(struct{}{})

	select {
	case err := <-got:
		t.Fatalf("unexpected report: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPromise_DoneClosesOnCompletion(t *testing.T) {
	is := is.New(t)
	p := New[int]()

	select {
	case <-p.Done():
		t.Fatal("pending promise reported done")
	default:
	}

	p.Reject(errors.New("boom"))
	p.Resolve(3)

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to close")
	}
	_, err := p.Wait(context.Background())
	is.Equal(err.Error(), "boom")
}

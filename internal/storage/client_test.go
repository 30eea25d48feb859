package storage

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestEmitter tests listener registration and dispatch
func TestEmitter(t *testing.T) {
	t.Run("zero value is usable", func(t *testing.T) {
		var e Emitter
		e.Emit(EventReady, nil)
		assert.Equal(t, 0, e.ListenerCount(EventReady))
	})

	t.Run("on fires every time", func(t *testing.T) {
		var e Emitter
		calls := 0
		e.On(EventConnect, func(err error) { calls++ })

		e.Emit(EventConnect, nil)
		e.Emit(EventConnect, nil)

		assert.Equal(t, 2, calls)
		assert.Equal(t, 1, e.ListenerCount(EventConnect))
	})

	t.Run("once fires a single time", func(t *testing.T) {
		var e Emitter
		calls := 0
		e.Once(EventReady, func(err error) { calls++ })

		e.Emit(EventReady, nil)
		e.Emit(EventReady, nil)

		assert.Equal(t, 1, calls)
		assert.Equal(t, 0, e.ListenerCount(EventReady))
	})

	t.Run("error is passed through", func(t *testing.T) {
		var e Emitter
		boom := errors.New("boom")
		var got error
		e.On(EventError, func(err error) { got = err })

		e.Emit(EventError, boom)

		assert.ErrorIs(t, got, boom)
	})

	t.Run("events are independent", func(t *testing.T) {
		var e Emitter
		ready := 0
		e.On(EventReady, func(err error) { ready++ })

		e.Emit(EventEnd, nil)

		assert.Equal(t, 0, ready)
	})

	t.Run("re-emit from a once listener does not recurse", func(t *testing.T) {
		var e Emitter
		calls := 0
		e.Once(EventReady, func(err error) {
			calls++
			e.Emit(EventReady, nil)
		})

		e.Emit(EventReady, nil)

		assert.Equal(t, 1, calls)
	})

	t.Run("listener may register listeners", func(t *testing.T) {
		var e Emitter
		inner := 0
		e.Once(EventConnect, func(err error) {
			e.On(EventConnect, func(err error) { inner++ })
		})

		e.Emit(EventConnect, nil)
		e.Emit(EventConnect, nil)

		assert.Equal(t, 1, inner)
	})

	t.Run("concurrent emit and register", func(t *testing.T) {
		var e Emitter
		var mu sync.Mutex
		total := 0

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				e.On(EventError, func(err error) {
					mu.Lock()
					total++
					mu.Unlock()
				})
			}()
			go func() {
				defer wg.Done()
				e.Emit(EventError, nil)
			}()
		}
		wg.Wait()

		assert.Equal(t, 20, e.ListenerCount(EventError))
	})
}

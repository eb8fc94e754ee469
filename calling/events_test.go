/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"sync"
	"testing"
)

func TestEventEmitter(t *testing.T) {
	t.Run("On and Emit", func(t *testing.T) {
		emitter := NewEventEmitter()
		var received interface{}
		emitter.On("test", func(data interface{}) {
			received = data
		})
		emitter.Emit("test", "hello")
		if received != "hello" {
			t.Errorf("Expected 'hello', got %v", received)
		}
	})

	t.Run("handlers run in registration order", func(t *testing.T) {
		emitter := NewEventEmitter()
		var order []int
		emitter.On("test", func(data interface{}) { order = append(order, 1) })
		emitter.On("test", func(data interface{}) { order = append(order, 2) })
		emitter.Emit("test", nil)
		if len(order) != 2 || order[0] != 1 || order[1] != 2 {
			t.Errorf("Expected [1 2], got %v", order)
		}
	})

	t.Run("Off removes handlers", func(t *testing.T) {
		emitter := NewEventEmitter()
		called := false
		emitter.On("test", func(data interface{}) { called = true })
		emitter.Off("test")
		emitter.Emit("test", nil)
		if called {
			t.Error("Handler should not have been called after Off")
		}
	})

	t.Run("nil handler ignored", func(t *testing.T) {
		emitter := NewEventEmitter()
		emitter.On("test", nil)
		emitter.Emit("test", nil) // should not panic
	})

	t.Run("handler may subscribe while emitting", func(t *testing.T) {
		emitter := NewEventEmitter()
		emitter.On("test", func(data interface{}) {
			emitter.On("other", func(interface{}) {})
		})
		emitter.Emit("test", nil) // must not deadlock
	})

	t.Run("emitAll preserves order", func(t *testing.T) {
		emitter := NewEventEmitter()
		var got []string
		for _, name := range []string{EventAccepted, EventConfirmed} {
			name := name
			emitter.On(name, func(interface{}) { got = append(got, name) })
		}
		emitter.emitAll([]pendingEvent{{EventAccepted, nil}, {EventConfirmed, nil}})
		if len(got) != 2 || got[0] != EventAccepted || got[1] != EventConfirmed {
			t.Errorf("Expected [accepted confirmed], got %v", got)
		}
	})

	t.Run("concurrent safety", func(t *testing.T) {
		emitter := NewEventEmitter()
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				emitter.On("test", func(data interface{}) {})
				emitter.Emit("test", nil)
			}()
		}
		wg.Wait()
	})
}

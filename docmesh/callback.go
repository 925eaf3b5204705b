package docmesh

import (
	"sync"
)

// note all callbacks are wrapped to check for nil and recover from errors

// makes a copy of the list on update so that fan-out never holds the lock
type callbackList[T any] struct {
	stateLock      sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      map[int]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *callbackList[T]) get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

// returns a function to remove the callback
func (self *callbackList[T]) add(callback T) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback

	return func() {
		self.remove(callbackId)
	}
}

func (self *callbackList[T]) remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	for i, id := range self.callbackIds {
		if id == callbackId {
			self.callbackIds = append(self.callbackIds[:i], self.callbackIds[i+1:]...)
			break
		}
	}
}

// handles callback panics so that one subscriber cannot take down the caller
func handleCallback(callback func()) {
	defer func() {
		recover()
	}()
	callback()
}

// monitor notifies all waiters on each update.
// waiters grab the channel, check their condition, then select on the channel.
type monitor struct {
	stateLock sync.Mutex
	update    chan struct{}
}

func newMonitor() *monitor {
	return &monitor{
		update: make(chan struct{}),
	}
}

func (self *monitor) NotifyChannel() <-chan struct{} {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.update
}

func (self *monitor) NotifyAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

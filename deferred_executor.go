/**
 * Client library for browser-hosted real-time meetings.
 * Copyright (C) 2024 struktur AG
 *
 * @author Joachim Bauch <bauch@struktur.de>
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package meetings

import (
	"reflect"
	"runtime"
	"runtime/debug"
	"sync"
)

// DeferredExecutor asynchronously executes functions while maintaining
// their order. All session and call state is mutated on a single executor,
// giving the engine its single-logical-thread semantics.
type DeferredExecutor struct {
	log       Logger
	queue     chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

func NewDeferredExecutor(queueSize int, log Logger) *DeferredExecutor {
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = DefaultLogger()
	}
	result := &DeferredExecutor{
		log:    log,
		queue:  make(chan func(), queueSize),
		closed: make(chan struct{}),
	}
	go result.run()
	return result
}

func (e *DeferredExecutor) run() {
	defer close(e.closed)

	for {
		f := <-e.queue
		if f == nil {
			break
		}

		f()
	}
}

func getFunctionName(i any) string {
	return runtime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func (e *DeferredExecutor) Execute(f func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Printf("Could not defer function %v: %+v", getFunctionName(f), r)
			e.log.Printf("Called from %s", string(debug.Stack()))
		}
	}()

	e.queue <- f
}

// ExecuteWait runs f on the executor and blocks until it returned. Must
// not be called from a function already running on the executor.
func (e *DeferredExecutor) ExecuteWait(f func()) {
	done := make(chan struct{})
	e.Execute(func() {
		defer close(done)
		f()
	})
	select {
	case <-done:
	case <-e.closed:
	}
}

func (e *DeferredExecutor) Close() {
	e.closeOnce.Do(func() {
		close(e.queue)
	})
}

func (e *DeferredExecutor) waitForStop() {
	<-e.closed
}

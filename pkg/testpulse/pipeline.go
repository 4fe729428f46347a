/*
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     https://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package testpulse

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"jinr.ru/greenlab/go-mies/pkg/log"
	"jinr.ru/greenlab/go-mies/pkg/metrics"
)

const ErrorLogInterval = 3 * time.Second

type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Payload
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(p Payload) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return len(q.items)
	}
	q.items = append(q.items, p)
	q.cond.Signal()
	return len(q.items)
}

// pop blocks until an item is available or the queue is closed
func (q *queue) pop() (Payload, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return Payload{}, 0, false
	}
	p := q.items[0]
	q.items[0] = Payload{}
	q.items = q.items[1:]
	return p, len(q.items), true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
}

// Pipeline analyzes the test pulses of one headstage on a background goroutine.
type Pipeline struct {
	headstage    int
	label        string
	activeWindow func() string
	analyzed     func(*Record)

	queue   *queue
	limiter *log.Limiter
	done    chan struct{}
	once    sync.Once
}

// NewPipeline starts the worker. activeWindow is consulted for every payload,
// analyzed is called on the worker goroutine in arrival order.
func NewPipeline(headstage int, activeWindow func() string, analyzed func(*Record)) *Pipeline {
	p := &Pipeline{
		headstage:    headstage,
		label:        strconv.Itoa(headstage),
		activeWindow: activeWindow,
		analyzed:     analyzed,
		queue:        newQueue(),
		limiter:      log.NewLimiter(ErrorLogInterval),
		done:         make(chan struct{}),
	}
	go p.run()
	return p
}

// Push queues a payload and never blocks
func (p *Pipeline) Push(payload Payload) {
	depth := p.queue.push(payload)
	metrics.TestPulseQueueDepth.WithLabelValues(p.label).Set(float64(depth))
}

// Stop terminates the worker. Queued payloads are discarded.
func (p *Pipeline) Stop() {
	p.once.Do(func() {
		p.queue.close()
		<-p.done
	})
}

func (p *Pipeline) run() {
	defer close(p.done)
	for {
		payload, depth, ok := p.queue.pop()
		if !ok {
			return
		}
		metrics.TestPulseQueueDepth.WithLabelValues(p.label).Set(float64(depth))
		p.process(payload)
	}
}

func (p *Pipeline) process(payload Payload) {
	defer func() {
		if r := recover(); r != nil {
			p.limiter.Error("Test pulse worker of headstage %d failed: %v", p.headstage, r)
		}
	}()
	record, err := MakeTestPulse(payload, p.activeWindow(), p.headstage)
	if err != nil {
		var malformed ErrMalformedPayload
		if errors.As(err, &malformed) {
			metrics.TestPulseMalformed.Inc()
		}
		p.limiter.Error("Dropping test pulse of headstage %d: %s", p.headstage, err)
		return
	}
	if record == nil {
		metrics.TestPulseDropped.WithLabelValues(p.label, "filtered").Inc()
		return
	}
	record.Analysis = Analyze(record)
	metrics.TestPulseAnalyzed.WithLabelValues(p.label).Inc()
	p.analyzed(record)
}

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

package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"jinr.ru/greenlab/go-mies/pkg/log"
	"jinr.ru/greenlab/go-mies/pkg/metrics"
)

const (
	FilePrefix   = "MultiPatch_"
	FileSuffix   = ".log"
	TimestampFmt = "20060102_150405"
)

// Writer appends events to a journal. Each record is written as a single
// line before the next one begins.
type Writer struct {
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
	path   string
	refs   int
	closed bool
}

// FileName returns the journal file name for a session started at t
func FileName(t time.Time) string {
	return fmt.Sprintf("%s%s%s", FilePrefix, t.Format(TimestampFmt), FileSuffix)
}

// Create opens a new journal file in dir
func Create(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName(time.Now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	log.Info("Writing event journal to %s", path)
	return &Writer{out: f, closer: f, path: path}, nil
}

// NewWriter writes events to out
func NewWriter(out io.Writer) *Writer {
	w := &Writer{out: out}
	if c, ok := out.(io.Closer); ok {
		w.closer = c
	}
	return w
}

func (w *Writer) Path() string {
	return w.path
}

// Write appends one event
func (w *Writer) Write(e Event) error {
	line, err := e.MarshalJSON()
	if err != nil {
		return err
	}
	line = append(line, ',', '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if _, err := w.out.Write(line); err != nil {
		return err
	}
	metrics.JournalEvents.WithLabelValues(e.Event).Inc()
	return nil
}

// Acquire registers a user of the writer
func (w *Writer) Acquire() *Writer {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs++
	return w
}

// Release unregisters a user and closes the writer when it was the last one
func (w *Writer) Release() error {
	w.mu.Lock()
	w.refs--
	last := w.refs <= 0
	w.mu.Unlock()
	if last {
		return w.Close()
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

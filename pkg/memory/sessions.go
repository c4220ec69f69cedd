package memory

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionEvent notifies transcript growth for one session file.
type SessionEvent struct {
	SessionFile string // absolute path of the transcript
}

// SessionBus is a small pub/sub for transcript growth notifications. The
// chat runtime publishes; the delta tracker subscribes. Publish never blocks:
// a slow subscriber drops events, which is safe because the tracker re-stats
// files on every evaluation pass.
type SessionBus struct {
	mu   sync.Mutex
	subs map[int]chan SessionEvent
	next int
}

// NewSessionBus creates an empty bus.
func NewSessionBus() *SessionBus {
	return &SessionBus{subs: make(map[int]chan SessionEvent)}
}

// Publish delivers an event to all subscribers without blocking.
func (b *SessionBus) Publish(ev SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns an event channel and an unsubscribe func.
func (b *SessionBus) Subscribe() (<-chan SessionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan SessionEvent, 64)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// sessionDeltaState tracks unindexed transcript growth for one file.
// In-memory only; reset whenever the file is fully (re)indexed.
type sessionDeltaState struct {
	lastSize        int64
	pendingBytes    int64
	pendingMessages int
}

// sessionTracker accumulates transcript growth and fires onThreshold when a
// configured threshold is crossed. Notifications arriving within one debounce
// window are coalesced into a single evaluation pass.
type sessionTracker struct {
	settings    SessionDeltaSettings
	logger      zerolog.Logger
	onThreshold func(dirtyFiles []string)

	mu       sync.Mutex
	states   map[string]*sessionDeltaState
	notified map[string]struct{}
	dirty    map[string]struct{}
	timer    *time.Timer
	stopped  bool

	unsubscribe func()
}

func newSessionTracker(bus *SessionBus, settings SessionDeltaSettings, logger zerolog.Logger, onThreshold func([]string)) *sessionTracker {
	t := &sessionTracker{
		settings:    settings,
		logger:      logger,
		onThreshold: onThreshold,
		states:      make(map[string]*sessionDeltaState),
		notified:    make(map[string]struct{}),
		dirty:       make(map[string]struct{}),
	}

	if bus != nil {
		events, unsubscribe := bus.Subscribe()
		t.unsubscribe = unsubscribe
		go t.run(events)
	}

	return t
}

func (t *sessionTracker) run(events <-chan SessionEvent) {
	for ev := range events {
		t.notify(ev.SessionFile)
	}
}

// notify records a growth notification and arms the coalescing timer. Only
// timer/dirty state is touched here; file IO happens in the evaluation pass.
func (t *sessionTracker) notify(sessionFile string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	t.notified[sessionFile] = struct{}{}
	if t.timer == nil {
		t.timer = time.AfterFunc(t.settings.Debounce, t.evaluate)
	}
}

// evaluate stats every notified file, folds growth into pending counters and
// fires the threshold callback once for all files that crossed.
func (t *sessionTracker) evaluate() {
	t.mu.Lock()
	files := make([]string, 0, len(t.notified))
	for f := range t.notified {
		files = append(files, f)
	}
	t.notified = make(map[string]struct{})
	t.timer = nil
	stopped := t.stopped
	t.mu.Unlock()

	if stopped {
		return
	}

	var crossed []string
	for _, file := range files {
		if t.evaluateFile(file) {
			crossed = append(crossed, file)
		}
	}

	if len(crossed) > 0 && t.onThreshold != nil {
		t.onThreshold(crossed)
	}
}

func (t *sessionTracker) evaluateFile(file string) bool {
	info, err := os.Stat(file)
	if err != nil {
		t.logger.Debug().Err(err).Str("file", file).Msg("Session stat failed")
		return false
	}
	newSize := info.Size()

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[file]
	if !ok {
		st = &sessionDeltaState{}
		t.states[file] = st
	}

	if newSize < st.lastSize {
		// Truncated: the whole new content is pending, recount from zero.
		st.pendingBytes = newSize
		st.pendingMessages = countNewlines(file, 0, newSize)
	} else if delta := newSize - st.lastSize; delta > 0 {
		st.pendingBytes += delta
		st.pendingMessages += countNewlines(file, st.lastSize, newSize)
	}
	st.lastSize = newSize

	bytesCrossed := thresholdCrossed(st.pendingBytes, t.settings.Bytes)
	messagesCrossed := thresholdCrossed(int64(st.pendingMessages), int64(t.settings.Messages))
	if !bytesCrossed && !messagesCrossed {
		return false
	}

	// Subtract the consumed threshold amount so surplus carries forward.
	if bytesCrossed {
		st.pendingBytes = consume(st.pendingBytes, t.settings.Bytes)
	}
	if messagesCrossed {
		st.pendingMessages = int(consume(int64(st.pendingMessages), int64(t.settings.Messages)))
	}

	t.dirty[file] = struct{}{}
	t.logger.Debug().Str("file", file).Msg("Session delta threshold crossed")
	return true
}

// thresholdCrossed implements "0 means any positive delta".
func thresholdCrossed(pending, threshold int64) bool {
	if threshold <= 0 {
		return pending > 0
	}
	return pending >= threshold
}

func consume(pending, threshold int64) int64 {
	if threshold <= 0 {
		return 0
	}
	if pending < threshold {
		return 0
	}
	return pending - threshold
}

// DirtyFiles returns the transcripts currently marked dirty.
func (t *sessionTracker) DirtyFiles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.dirty))
	for f := range t.dirty {
		out = append(out, f)
	}
	return out
}

// MarkIndexed resets the delta state for a fully (re)indexed transcript.
func (t *sessionTracker) MarkIndexed(file string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[file] = &sessionDeltaState{lastSize: size}
	delete(t.dirty, file)
}

// Stop detaches the tracker from the bus and cancels pending evaluation.
func (t *sessionTracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

// countNewlines counts message terminators in a byte range of a transcript.
// Only the appended range is scanned on growth.
func countNewlines(file string, from, to int64) int {
	if to <= from {
		return 0
	}
	f, err := os.Open(file)
	if err != nil {
		return 0
	}
	defer f.Close()

	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return 0
	}

	count := 0
	buf := make([]byte, 32*1024)
	remaining := to - from
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		read, err := f.Read(buf[:n])
		if read > 0 {
			count += bytes.Count(buf[:read], []byte{'\n'})
			remaining -= int64(read)
		}
		if err != nil {
			break
		}
	}
	return count
}

// Package display holds the state of the measurement page: text slots keyed
// by element ID, images appended to a slot, the progress bar and the start
// trigger. Every mutation is published to subscribers as a full snapshot.
package display

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"netprobe/pkg/probe"
)

// Element IDs rendered by the page.
const (
	IPDetails  = "ip-details"
	IPOperator = "ip-operator"
	IPPosition = "ip-position"

	PingValue = "pingValue"

	DownloadValue    = "downloadValue"
	DownloadMinValue = "downloadMinValue"
	DownloadAvgValue = "downloadAvgValue"
	DownloadMaxValue = "downloadMaxValue"

	UploadValue    = "uploadValue"
	UploadMinValue = "uploadMinValue"
	UploadAvgValue = "uploadAvgValue"
	UploadMaxValue = "uploadMaxValue"

	ProgressBar = "progressBar"
	StartTest   = "startTest"
)

// Image is an element appended inside a text slot, such as a country flag.
type Image struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

// Snapshot is a point-in-time copy of the board.
type Snapshot struct {
	Slots           map[string]string  `json:"slots"`
	Images          map[string][]Image `json:"images"`
	Progress        float64            `json:"progress"`
	ProgressVisible bool               `json:"progress_visible"`
	TriggerEnabled  bool               `json:"trigger_enabled"`
	Version         uint64             `json:"version"`
}

// Board is safe for concurrent use.
type Board struct {
	mu              sync.RWMutex
	slots           map[string]string
	images          map[string][]Image
	progress        float64
	progressVisible bool
	triggerEnabled  bool
	version         uint64

	subscribers map[chan Snapshot]struct{}
}

func NewBoard() *Board {
	return &Board{
		slots:          make(map[string]string),
		images:         make(map[string][]Image),
		triggerEnabled: true,
		subscribers:    make(map[chan Snapshot]struct{}),
	}
}

// SetText replaces the content of a slot. Images previously appended to the
// slot are removed, as assigning an element's text would.
func (b *Board) SetText(id, text string) {
	b.mutate(func() {
		b.slots[id] = text
		delete(b.images, id)
	})
}

// Text returns the current text of a slot
func (b *Board) Text(id string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.slots[id]
}

// AppendImage adds an image after the text of a slot.
func (b *Board) AppendImage(id, src, alt string) {
	b.mutate(func() {
		b.images[id] = append(b.images[id], Image{Src: src, Alt: alt})
	})
}

// SetProgress sets the progress bar fill, clamped to [0, 1].
func (b *Board) SetProgress(fraction float64) {
	if math.IsNaN(fraction) || fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	b.mutate(func() {
		b.progress = fraction
	})
}

func (b *Board) ShowProgress(visible bool) {
	b.mutate(func() {
		b.progressVisible = visible
	})
}

func (b *Board) SetTriggerEnabled(enabled bool) {
	b.mutate(func() {
		b.triggerEnabled = enabled
	})
}

// Report renders a live sample: the progress bar follows elapsed/total and
// the kind's value slot shows the sample. Ping values are shown with their
// unit, throughput with two decimals.
func (b *Board) Report(kind probe.Kind, value, elapsed, total float64) {
	fraction := 1.0
	if total > 0 {
		fraction = math.Min(elapsed/total, 1)
	}

	var id, text string
	switch kind {
	case probe.KindPing:
		id, text = PingValue, strconv.FormatFloat(value, 'f', -1, 64)+" ms"
	case probe.KindDownload:
		id, text = DownloadValue, fmt.Sprintf("%.2f", value)
	case probe.KindUpload:
		id, text = UploadValue, fmt.Sprintf("%.2f", value)
	default:
		id, text = string(kind)+"Value", fmt.Sprintf("%.2f", value)
	}

	b.SetProgress(fraction)
	b.SetText(id, text)
}

// Snapshot returns a deep copy of the board.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

func (b *Board) snapshotLocked() Snapshot {
	s := Snapshot{
		Slots:           make(map[string]string, len(b.slots)),
		Images:          make(map[string][]Image, len(b.images)),
		Progress:        b.progress,
		ProgressVisible: b.progressVisible,
		TriggerEnabled:  b.triggerEnabled,
		Version:         b.version,
	}
	for k, v := range b.slots {
		s.Slots[k] = v
	}
	for k, v := range b.images {
		s.Images[k] = append([]Image(nil), v...)
	}
	return s
}

// Subscribe returns a channel that receives a snapshot after every change.
// Slow subscribers only see the latest snapshot. The returned function
// unsubscribes and closes the channel.
func (b *Board) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	ch <- b.snapshotLocked()
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Board) mutate(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fn()
	b.version++

	if len(b.subscribers) == 0 {
		return
	}
	snap := b.snapshotLocked()
	for ch := range b.subscribers {
		// drop the stale snapshot, if any, so the send never blocks
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

package frames

import (
	"fmt"
	"sync/atomic"
	"time"
)

var frameCounter uint64

// Frame is the base interface for all events routed through a session queue
type Frame interface {
	ID() uint64
	Name() string
	PTS() time.Time
	String() string
}

// BaseFrame provides common frame functionality
type BaseFrame struct {
	id   uint64
	name string
	pts  time.Time
}

func NewBaseFrame(name string) *BaseFrame {
	return &BaseFrame{
		id:   atomic.AddUint64(&frameCounter, 1),
		name: name,
		pts:  time.Now(),
	}
}

func (f *BaseFrame) ID() uint64 {
	return f.id
}

func (f *BaseFrame) Name() string {
	return f.name
}

func (f *BaseFrame) PTS() time.Time {
	return f.pts
}

func (f *BaseFrame) String() string {
	return fmt.Sprintf("%s[id=%d, pts=%v]", f.name, f.id, f.pts.Format("15:04:05.000"))
}

// Frame categories for priority handling
type FrameCategory int

const (
	SystemCategory FrameCategory = iota // Lifecycle and interruption, processed ahead of data
	DataCategory                        // Audio, transcripts, tokens
	ControlCategory                     // Turn progress markers
)

func (c FrameCategory) String() string {
	switch c {
	case SystemCategory:
		return "system"
	case DataCategory:
		return "data"
	case ControlCategory:
		return "control"
	default:
		return "unknown"
	}
}

// Categorizable frames can report their category
type Categorizable interface {
	Category() FrameCategory
}

package debug

import (
	"context"
	"fmt"
	"strings"
	"sync"

	godap "github.com/google/go-dap"
)

// StackFrame is a frame of a thread's call stack.
type StackFrame struct {
	// ID is the adapter's frame identifier, valid while the thread stays
	// stopped.
	ID int

	// Name is the function name.
	Name string

	Line   int
	Column int

	// IsCurrentFrame indicates if this is the selected frame.
	IsCurrentFrame bool
}

// FormatLocation returns a formatted location string like "exec_simple_query:1198".
func (f *StackFrame) FormatLocation() string {
	if f.Name == "" {
		return fmt.Sprintf("<unknown>:%d", f.Line)
	}
	return fmt.Sprintf("%s:%d", f.Name, f.Line)
}

// CallStack represents the call stack for a thread.
type CallStack struct {
	ThreadID   int
	ThreadName string

	// Frames are the stack frames in order (top of stack first).
	Frames []*StackFrame

	// TotalFrames is the total number of frames (may be more than Frames length).
	TotalFrames int

	// CurrentFrameIndex is the index of the currently selected frame.
	CurrentFrameIndex int
}

// CurrentFrame returns the currently selected frame.
func (c *CallStack) CurrentFrame() *StackFrame {
	if c.CurrentFrameIndex < 0 || c.CurrentFrameIndex >= len(c.Frames) {
		return nil
	}
	return c.Frames[c.CurrentFrameIndex]
}

// IsAtTop returns true if the current frame is at the top of the stack.
func (c *CallStack) IsAtTop() bool {
	return c.CurrentFrameIndex == 0
}

// IsAtBottom returns true if the current frame is at the bottom of the loaded stack.
func (c *CallStack) IsAtBottom() bool {
	return c.CurrentFrameIndex == len(c.Frames)-1
}

// StackNavigator loads call stacks and tracks the selected thread and frame.
type StackNavigator struct {
	session *Session
	mu      sync.RWMutex

	// Current call stacks by thread ID
	stacks map[int]*CallStack

	currentThreadID int

	// Maximum frames to fetch per request
	maxFramesPerRequest int
}

// NewStackNavigator creates a new stack navigator.
func NewStackNavigator(session *Session) *StackNavigator {
	return &StackNavigator{
		session:             session,
		stacks:              make(map[int]*CallStack),
		maxFramesPerRequest: 20,
	}
}

// GetCallStack retrieves the call stack for a thread and selects its top
// frame.
func (n *StackNavigator) GetCallStack(ctx context.Context, threadID int) (*CallStack, error) {
	n.mu.RLock()
	levels := n.maxFramesPerRequest
	n.mu.RUnlock()

	frames, totalFrames, err := n.session.GetStackTrace(ctx, threadID, 0, levels)
	if err != nil {
		return nil, fmt.Errorf("get stack trace: %w", err)
	}

	threadName := fmt.Sprintf("Thread %d", threadID)
	if threads, err := n.session.GetThreads(ctx); err == nil {
		for _, t := range threads {
			if t.Id == threadID {
				threadName = t.Name
				break
			}
		}
	}

	stack := &CallStack{
		ThreadID:    threadID,
		ThreadName:  threadName,
		Frames:      make([]*StackFrame, len(frames)),
		TotalFrames: totalFrames,
	}
	if stack.TotalFrames < len(frames) {
		stack.TotalFrames = len(frames)
	}

	for i, f := range frames {
		stack.Frames[i] = toStackFrame(f)
		if i == 0 {
			stack.Frames[i].IsCurrentFrame = true
		}
	}

	n.mu.Lock()
	n.stacks[threadID] = stack
	n.currentThreadID = threadID
	n.mu.Unlock()

	return stack, nil
}

func toStackFrame(f godap.StackFrame) *StackFrame {
	return &StackFrame{
		ID:     f.Id,
		Name:   f.Name,
		Line:   f.Line,
		Column: f.Column,
	}
}

// FetchMoreFrames loads additional frames for a call stack.
func (n *StackNavigator) FetchMoreFrames(ctx context.Context, threadID int) error {
	n.mu.RLock()
	stack, ok := n.stacks[threadID]
	var start, levels, total int
	if ok {
		start = len(stack.Frames)
		levels = n.maxFramesPerRequest
		total = stack.TotalFrames
	}
	n.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no call stack for thread %d", threadID)
	}
	if start >= total {
		return nil
	}

	frames, totalFrames, err := n.session.GetStackTrace(ctx, threadID, start, levels)
	if err != nil {
		return fmt.Errorf("get more frames: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	stack.TotalFrames = totalFrames
	for _, f := range frames {
		stack.Frames = append(stack.Frames, toStackFrame(f))
	}
	if stack.TotalFrames < len(stack.Frames) {
		stack.TotalFrames = len(stack.Frames)
	}

	return nil
}

// FrameCount returns how many frames of threadID are loaded and how many
// the adapter reported in total.
func (n *StackNavigator) FrameCount(threadID int) (loaded, total int) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	stack, ok := n.stacks[threadID]
	if !ok {
		return 0, 0
	}
	return len(stack.Frames), stack.TotalFrames
}

// SelectFrame selects a frame in the call stack and returns it.
func (n *StackNavigator) SelectFrame(threadID int, frameIndex int) (*StackFrame, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	stack, ok := n.stacks[threadID]
	if !ok {
		return nil, fmt.Errorf("no call stack for thread %d", threadID)
	}

	if frameIndex < 0 || frameIndex >= len(stack.Frames) {
		return nil, fmt.Errorf("frame index %d out of range [0, %d)", frameIndex, len(stack.Frames))
	}

	if cur := stack.CurrentFrame(); cur != nil {
		cur.IsCurrentFrame = false
	}
	stack.Frames[frameIndex].IsCurrentFrame = true
	stack.CurrentFrameIndex = frameIndex
	n.currentThreadID = threadID

	return stack.Frames[frameIndex], nil
}

// SelectFrameUp moves up (towards caller) in the call stack.
func (n *StackNavigator) SelectFrameUp(threadID int) (*StackFrame, error) {
	n.mu.RLock()
	stack, ok := n.stacks[threadID]
	if !ok {
		n.mu.RUnlock()
		return nil, fmt.Errorf("no call stack for thread %d", threadID)
	}
	currentIndex := stack.CurrentFrameIndex
	last := len(stack.Frames) - 1
	n.mu.RUnlock()

	if currentIndex >= last {
		return nil, fmt.Errorf("already at bottom of stack")
	}

	return n.SelectFrame(threadID, currentIndex+1)
}

// SelectFrameDown moves down (towards callee) in the call stack.
func (n *StackNavigator) SelectFrameDown(threadID int) (*StackFrame, error) {
	n.mu.RLock()
	stack, ok := n.stacks[threadID]
	if !ok {
		n.mu.RUnlock()
		return nil, fmt.Errorf("no call stack for thread %d", threadID)
	}
	currentIndex := stack.CurrentFrameIndex
	n.mu.RUnlock()

	if currentIndex <= 0 {
		return nil, fmt.Errorf("already at top of stack")
	}

	return n.SelectFrame(threadID, currentIndex-1)
}

// GetCurrentFrame returns the currently selected frame for a thread.
func (n *StackNavigator) GetCurrentFrame(threadID int) (*StackFrame, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	stack, ok := n.stacks[threadID]
	if !ok {
		return nil, fmt.Errorf("no call stack for thread %d", threadID)
	}

	return stack.CurrentFrame(), nil
}

// GetCurrentThreadID returns the currently selected thread ID.
func (n *StackNavigator) GetCurrentThreadID() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentThreadID
}

// ClearStacks clears all cached call stacks. Frame ids become invalid when
// the debuggee resumes.
func (n *StackNavigator) ClearStacks() {
	n.mu.Lock()
	n.stacks = make(map[int]*CallStack)
	n.currentThreadID = 0
	n.mu.Unlock()
}

// FormatStackTrace returns a formatted string representation of the call stack.
func (n *StackNavigator) FormatStackTrace(threadID int) string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	stack, ok := n.stacks[threadID]
	if !ok {
		return ""
	}

	var b strings.Builder
	for i, frame := range stack.Frames {
		marker := "  "
		if i == stack.CurrentFrameIndex {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s#%d %s\n", marker, i, frame.FormatLocation())
	}

	if len(stack.Frames) < stack.TotalFrames {
		fmt.Fprintf(&b, "  ... (%d more frames)\n", stack.TotalFrames-len(stack.Frames))
	}

	return b.String()
}

// SetMaxFramesPerRequest sets the maximum frames to fetch per request.
func (n *StackNavigator) SetMaxFramesPerRequest(max int) {
	n.mu.Lock()
	n.maxFramesPerRequest = max
	n.mu.Unlock()
}

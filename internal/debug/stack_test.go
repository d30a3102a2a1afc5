package debug

import (
	"context"
	"testing"

	godap "github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStackFrameFormatLocation(t *testing.T) {
	tests := []struct {
		name  string
		frame StackFrame
		want  string
	}{
		{"named", StackFrame{Name: "exec_simple_query", Line: 1198}, "exec_simple_query:1198"},
		{"unnamed", StackFrame{Line: 12}, "<unknown>:12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.frame.FormatLocation())
		})
	}
}

func TestCallStackBounds(t *testing.T) {
	stack := &CallStack{Frames: []*StackFrame{{ID: 1}, {ID: 2}}}
	assert.True(t, stack.IsAtTop())
	assert.False(t, stack.IsAtBottom())
	assert.Equal(t, 1, stack.CurrentFrame().ID)

	stack.CurrentFrameIndex = 1
	assert.True(t, stack.IsAtBottom())

	stack.CurrentFrameIndex = 5
	assert.Nil(t, stack.CurrentFrame())
}

func TestStackNavigatorNavigation(t *testing.T) {
	_, s := newTestSession(t)
	nav := NewStackNavigator(s)

	stack, err := nav.GetCallStack(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "postgres: backend", stack.ThreadName)
	require.Len(t, stack.Frames, 2)
	assert.True(t, stack.Frames[0].IsCurrentFrame)
	assert.Equal(t, 1, nav.GetCurrentThreadID())

	up, err := nav.SelectFrameUp(1)
	require.NoError(t, err)
	assert.Equal(t, "PostgresMain", up.Name)
	assert.False(t, stack.Frames[0].IsCurrentFrame)

	_, err = nav.SelectFrameUp(1)
	assert.Error(t, err)

	assert.Equal(t, "  #0 exec_simple_query:1198\n> #1 PostgresMain:4767\n", nav.FormatStackTrace(1))

	down, err := nav.SelectFrameDown(1)
	require.NoError(t, err)
	assert.Equal(t, 1000, down.ID)

	_, err = nav.SelectFrameDown(1)
	assert.Error(t, err)

	_, err = nav.SelectFrame(2, 0)
	assert.Error(t, err)

	nav.ClearStacks()
	_, err = nav.GetCurrentFrame(1)
	assert.Error(t, err)
	assert.Empty(t, nav.FormatStackTrace(1))
}

func TestStackNavigatorFetchMoreFrames(t *testing.T) {
	a, s := newTestSession(t)

	a.Handle("stackTrace", func(req godap.RequestMessage) godap.ResponseMessage {
		args := req.(*godap.StackTraceRequest).Arguments
		frames := make([]godap.StackFrame, 0, args.Levels)
		for i := args.StartFrame; i < args.StartFrame+args.Levels && i < 5; i++ {
			frames = append(frames, godap.StackFrame{Id: 100 + i, Name: "f", Line: i})
		}
		return &godap.StackTraceResponse{Body: godap.StackTraceResponseBody{StackFrames: frames, TotalFrames: 5}}
	})

	nav := NewStackNavigator(s)
	nav.SetMaxFramesPerRequest(2)
	ctx := context.Background()

	stack, err := nav.GetCallStack(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, stack.Frames, 2)
	assert.Contains(t, nav.FormatStackTrace(1), "(3 more frames)")

	require.NoError(t, nav.FetchMoreFrames(ctx, 1))
	require.NoError(t, nav.FetchMoreFrames(ctx, 1))
	assert.Len(t, stack.Frames, 5)
	assert.Equal(t, 104, stack.Frames[4].ID)

	require.NoError(t, nav.FetchMoreFrames(ctx, 1))
	assert.Equal(t, 3, a.Count("stackTrace"))

	assert.Error(t, nav.FetchMoreFrames(ctx, 9))
}

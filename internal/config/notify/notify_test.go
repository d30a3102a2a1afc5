package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeTypeString(t *testing.T) {
	assert.Equal(t, "set", ChangeSet.String())
	assert.Equal(t, "reload", ChangeReload.String())
	assert.Equal(t, "unknown", ChangeType(42).String())
}

func TestChangeAffects(t *testing.T) {
	tests := []struct {
		changed string
		section string
		want    bool
	}{
		{"pgnodes.logLevel", "pgnodes.logLevel", true},
		{"pgnodes.logLevel", "pgnodes", true},
		{"pgnodes", "pgnodes.logLevel", true},
		{"pgnodes.maxArrayProbe", "pgnodes.logLevel", false},
		{"pgnodes.logLevelX", "pgnodes.logLevel", false},
		{"other.logLevel", "pgnodes", false},
		{"pgnodes.logLevel", "", true},
	}

	for _, tt := range tests {
		c := Change{Section: tt.changed, Type: ChangeSet}
		assert.Equal(t, tt.want, c.Affects(tt.section), "%s affects %s", tt.changed, tt.section)
	}

	assert.True(t, Change{Type: ChangeReload}.Affects("pgnodes.logLevel"))
}

func TestNotifierSubscribe(t *testing.T) {
	n := New()
	defer n.Close()

	var received []Change
	n.Subscribe(func(c Change) {
		received = append(received, c)
	})

	n.NotifySet("pgnodes.logLevel", "info", "debug", "test")

	require.Len(t, received, 1)
	assert.Equal(t, "pgnodes.logLevel", received[0].Section)
	assert.Equal(t, "info", received[0].Old)
	assert.Equal(t, "debug", received[0].New)
	assert.Equal(t, "test", received[0].Source)
}

func TestNotifierSubscribeSection(t *testing.T) {
	n := New()
	defer n.Close()

	var level, parent, other int
	n.SubscribeSection("pgnodes.logLevel", func(Change) { level++ })
	n.SubscribeSection("pgnodes", func(Change) { parent++ })
	n.SubscribeSection("pgnodes.rulesFile", func(Change) { other++ })

	n.NotifySet("pgnodes.logLevel", nil, "warn", "test")
	n.NotifySet("pgnodes.maxArrayProbe", nil, 10, "test")

	assert.Equal(t, 1, level)
	assert.Equal(t, 2, parent)
	assert.Equal(t, 0, other)

	n.NotifyReload("file")
	assert.Equal(t, 2, level)
	assert.Equal(t, 3, parent)
	assert.Equal(t, 1, other)
}

func TestNotifierDispose(t *testing.T) {
	n := New()
	defer n.Close()

	calls := 0
	sub := n.SubscribeSection("pgnodes", func(Change) { calls++ })
	assert.Equal(t, 1, n.Len())

	n.NotifySet("pgnodes.logLevel", nil, "info", "test")
	sub.Dispose()
	sub.Dispose()
	n.NotifySet("pgnodes.logLevel", nil, "debug", "test")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, n.Len())
}

func TestNotifierClose(t *testing.T) {
	n := New()
	calls := 0
	n.Subscribe(func(Change) { calls++ })

	n.Close()
	n.Close()
	n.NotifySet("pgnodes.logLevel", nil, "info", "test")

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, n.Len())
}

func TestNotifierObserverMaySubscribe(t *testing.T) {
	n := New()
	defer n.Close()

	// Observers run outside the lock and may touch the notifier.
	n.Subscribe(func(Change) {
		n.Subscribe(func(Change) {})
	})
	n.NotifyReload("test")
	assert.Equal(t, 2, n.Len())
}

func TestNotifierConcurrent(t *testing.T) {
	n := New()
	defer n.Close()

	var mu sync.Mutex
	count := 0
	n.Subscribe(func(Change) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.NotifySet("pgnodes.logLevel", nil, i, "test")
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, count)
}

func TestBatch(t *testing.T) {
	n := New()
	defer n.Close()

	var sections []string
	n.Subscribe(func(c Change) {
		sections = append(sections, c.Section)
	})

	b := n.NewBatch()
	b.Set("pgnodes.logLevel", "info", "debug", "file")
	b.Set("pgnodes.rulesFile", "", "rules.yaml", "file")
	assert.Equal(t, 2, b.Len())
	assert.Empty(t, sections)

	b.Commit()
	assert.Equal(t, []string{"pgnodes.logLevel", "pgnodes.rulesFile"}, sections)
	assert.Equal(t, 0, b.Len())
}

package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu   sync.Mutex
	runs []string
	fail map[string]error
}

func (h *recordingHandler) handle(ctx context.Context, taskID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, taskID)
	return h.fail[taskID]
}

func (h *recordingHandler) ran() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string{}, h.runs...)
}

func TestTaskQueueDedupe(t *testing.T) {
	h := &recordingHandler{}
	q := newTaskQueue(1, false, h.handle)
	defer q.stopWait()

	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("a")
	assert.Equal(t, 2, q.size())

	require.Nil(t, q.runOnce(context.Background(), 0))
	assert.Equal(t, []string{"a", "b"}, h.ran())
	assert.True(t, q.idle())

	// finished tasks may be queued again
	q.Enqueue("a")
	require.Nil(t, q.runOnce(context.Background(), 0))
	assert.Equal(t, []string{"a", "b", "a"}, h.ran())
}

func TestTaskQueueRunOnceBatch(t *testing.T) {
	h := &recordingHandler{fail: map[string]error{"b": errors.New("boom")}}
	q := newTaskQueue(1, false, h.handle)
	defer q.stopWait()

	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(id)
	}
	err := q.runOnce(context.Background(), 2)
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"a", "b"}, h.ran())
	assert.Equal(t, 1, q.size())

	require.Nil(t, q.runOnce(context.Background(), 2))
	assert.Equal(t, []string{"a", "b", "c"}, h.ran())
	assert.True(t, q.idle())
}

func TestTaskQueueAsync(t *testing.T) {
	h := &recordingHandler{}
	q := newTaskQueue(2, true, h.handle)

	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(id)
	}
	require.Nil(t, q.runOnce(context.Background(), 0))
	assert.Eventually(t, q.idle, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, h.ran())

	q.Enqueue("d")
	q.stopWait()
	assert.Equal(t, 0, q.size())
	assert.True(t, q.idle())
}

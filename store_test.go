package peerchat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(now time.Time) *Store {
	s := NewStore()
	s.now = func() time.Time { return now }
	return s
}

func msg(id int64, from, to Identity, content string, ts time.Time) Message {
	return Message{ID: id, SenderID: from, ReceiverID: to, Content: content, Timestamp: ts}
}

func TestStoreAppendLiveIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewStore()
	m := msg(7, 2, 1, "hi", at(0))

	assert.True(t, s.AppendLive(2, m))
	assert.False(t, s.AppendLive(2, m))

	tl := s.Timeline(2)
	require.Len(t, tl, 1)
	assert.Equal(t, OriginLive, tl[0].Origin)
}

func TestStoreAppendLiveDedupsAgainstHistory(t *testing.T) {
	t.Parallel()

	s := NewStore()
	require.True(t, s.ReplaceHistory(2, []Message{msg(7, 2, 1, "hi", at(0))}))

	assert.False(t, s.AppendLive(2, msg(7, 2, 1, "hi", at(0))))
	assert.Equal(t, []int64{7}, ids(s.Timeline(2)))
	assert.Equal(t, OriginHistory, s.Timeline(2)[0].Origin)
}

func TestStoreOrderingByTimestamp(t *testing.T) {
	t.Parallel()

	s := NewStore()
	require.True(t, s.ReplaceHistory(2, []Message{
		msg(3, 2, 1, "c", at(3)),
		msg(1, 2, 1, "a", at(1)),
		msg(2, 1, 2, "b", at(2)),
	}))
	s.AppendLive(2, msg(6, 2, 1, "f", at(6)))
	s.AppendLive(2, msg(4, 1, 2, "d", at(4)))
	s.AppendLive(2, msg(5, 2, 1, "e", at(4))) // tie keeps arrival order

	tl := s.Timeline(2)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, ids(tl))
	for i := 1; i < len(tl); i++ {
		assert.False(t, tl[i].Timestamp.Before(tl[i-1].Timestamp), "timeline not sorted at %d", i)
	}
}

func TestStoreReplaceHistoryOverwrites(t *testing.T) {
	t.Parallel()

	s := NewStore()
	require.True(t, s.ReplaceHistory(2, []Message{msg(1, 2, 1, "a", at(1))}))
	require.True(t, s.ReplaceHistory(2, []Message{msg(2, 2, 1, "b", at(2)), msg(2, 2, 1, "b", at(2))}))

	assert.Equal(t, []int64{2}, ids(s.Timeline(2)))
}

func TestStoreReplaceHistorySkippedAfterLiveAppend(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.BeginSelection(2)
	s.AppendLive(2, msg(9, 2, 1, "new", at(9)))

	assert.True(t, s.LiveSinceSelection(2))
	assert.False(t, s.ReplaceHistory(2, []Message{msg(1, 2, 1, "old", at(1))}))
	assert.Equal(t, []int64{9}, ids(s.Timeline(2)))

	// A new selection resets the cursor.
	s.BeginSelection(2)
	assert.False(t, s.LiveSinceSelection(2))
	assert.True(t, s.ReplaceHistory(2, []Message{msg(1, 2, 1, "old", at(1)), msg(9, 2, 1, "new", at(9))}))
	assert.Equal(t, []int64{1, 9}, ids(s.Timeline(2)))
}

func TestStoreReplaceHistoryKeepsPlaceholders(t *testing.T) {
	t.Parallel()

	s := newTestStore(at(5))
	token, _ := s.AppendOptimistic(1, 2, "pending", SendChannel)

	require.True(t, s.ReplaceHistory(2, []Message{msg(1, 2, 1, "a", at(1)), msg(2, 2, 1, "b", at(8))}))

	tl := s.Timeline(2)
	require.Len(t, tl, 3)
	assert.Equal(t, OriginOptimistic, tl[1].Origin)
	assert.Equal(t, token, tl[1].Token)
}

func TestStoreOptimisticReconcile(t *testing.T) {
	t.Parallel()

	s := newTestStore(at(5))
	token, placeholder := s.AppendOptimistic(1, 2, "  yo ", SendChannel)
	assert.True(t, placeholder.Pending())
	assert.Equal(t, "yo", placeholder.Content)
	assert.Equal(t, 1, s.PendingCount())

	found, ok := s.FindOptimistic(2, "yo")
	require.True(t, ok)
	assert.Equal(t, token, found)

	require.True(t, s.ReconcileOptimistic(token, msg(11, 1, 2, "yo", at(4))))

	tl := s.Timeline(2)
	require.Len(t, tl, 1)
	assert.Equal(t, int64(11), tl[0].ID)
	assert.Equal(t, OriginLive, tl[0].Origin)
	assert.Equal(t, 0, s.PendingCount())

	assert.False(t, s.ReconcileOptimistic(token, msg(11, 1, 2, "yo", at(4))), "token is spent")
}

func TestStoreReconcileAfterLiveEcho(t *testing.T) {
	t.Parallel()

	s := newTestStore(at(5))
	token, _ := s.AppendOptimistic(1, 2, "yo", SendChannel)
	require.True(t, s.AppendLive(2, msg(11, 1, 2, "yo", at(5))))
	require.Len(t, s.Timeline(2), 2)

	require.True(t, s.ReconcileOptimistic(token, msg(11, 1, 2, "yo", at(5))))

	tl := s.Timeline(2)
	require.Len(t, tl, 1, "placeholder must be dropped, not duplicated")
	assert.Equal(t, int64(11), tl[0].ID)
}

func TestStoreWithdrawAndOldestPending(t *testing.T) {
	t.Parallel()

	s := newTestStore(at(5))
	first, _ := s.AppendOptimistic(1, 2, "one", SendChannel)
	viaHTTP, _ := s.AppendOptimistic(1, 4, "over http", SendHTTP)
	second, _ := s.AppendOptimistic(1, 3, "two", SendChannel)

	oldest, ok := s.OldestPending(SendChannel)
	require.True(t, ok)
	assert.Equal(t, first, oldest)

	m, ok := s.Withdraw(first)
	require.True(t, ok)
	assert.Equal(t, "one", m.Content)
	assert.Empty(t, s.Timeline(2))

	oldest, ok = s.OldestPending(SendChannel)
	require.True(t, ok)
	assert.Equal(t, second, oldest, "an HTTP send is never the oldest channel send")

	oldest, ok = s.OldestPending(SendHTTP)
	require.True(t, ok)
	assert.Equal(t, viaHTTP, oldest)

	_, ok = s.Withdraw(first)
	assert.False(t, ok)
}

func TestStoreTimelineIsSnapshot(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.AppendLive(2, msg(1, 2, 1, "a", at(1)))

	tl := s.Timeline(2)
	tl[0].Content = "mutated"
	s.AppendLive(2, msg(2, 2, 1, "b", at(2)))

	assert.Len(t, tl, 1)
	assert.Equal(t, "a", s.Timeline(2)[0].Content)
}

func TestStoreLazyConversations(t *testing.T) {
	t.Parallel()

	s := NewStore()
	assert.Empty(t, s.Timeline(4))
	s.AppendLive(2, msg(1, 2, 1, "a", at(1)))
	assert.Equal(t, []Identity{2, 4}, s.Peers())
}

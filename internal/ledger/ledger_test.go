package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/e2ekit/pkg/schema"
)

func TestLedger_AddDedup(t *testing.T) {
	l := New()
	assert.True(t, l.Add(schema.TrackedResource{Type: "user", ID: "U1"}))
	assert.False(t, l.Add(schema.TrackedResource{Type: "user", ID: "U1", Metadata: map[string]any{"email": "a@b"}}))

	all := l.All()
	require.Len(t, all, 1)
	assert.Equal(t, "a@b", all[0].Metadata["email"])
	assert.False(t, all[0].CreatedAt.IsZero())
}

func TestLedger_MergeAcrossChannels(t *testing.T) {
	l := New()
	httpSide := []schema.TrackedResource{{Type: "team", ID: "T1"}, {Type: "row", ID: "R1"}}
	fileSide := []schema.TrackedResource{{Type: "team", ID: "T1"}, {Type: "file", ID: "F1"}}

	assert.Equal(t, 2, l.Merge(httpSide...))
	assert.Equal(t, 1, l.Merge(fileSide...))

	keys := []string{}
	for _, r := range l.All() {
		keys = append(keys, r.Key())
	}
	assert.Equal(t, []string{"team:T1", "row:R1", "file:F1"}, keys)
}

func TestLedger_MarkDeleted(t *testing.T) {
	l := New()
	l.Add(schema.TrackedResource{Type: "row", ID: "R1"})
	l.Add(schema.TrackedResource{Type: "row", ID: "R2"})

	assert.True(t, l.MarkDeleted("row", "R1"))
	assert.False(t, l.MarkDeleted("row", "nope"))

	pending := l.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "R2", pending[0].ID)
	assert.Equal(t, 2, l.Len())
}

func TestLedger_DeletedSurvivesReAdd(t *testing.T) {
	l := New()
	l.Add(schema.TrackedResource{Type: "row", ID: "R1"})
	l.MarkDeleted("row", "R1")
	l.Add(schema.TrackedResource{Type: "row", ID: "R1"})
	assert.Empty(t, l.Pending())
}

func TestLedger_SnapshotIsolation(t *testing.T) {
	l := New()
	l.Add(schema.TrackedResource{Type: "row", ID: "R1", Metadata: map[string]any{"table": "posts"}})
	snap := l.All()
	snap[0].Metadata["table"] = "hacked"
	assert.Equal(t, "posts", l.All()[0].Metadata["table"])
}

func TestLedger_Concurrent(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Add(schema.TrackedResource{Type: "row", ID: string(rune('a' + i%10))})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, l.Len())
	assert.True(t, l.Has("row", "a"))
}

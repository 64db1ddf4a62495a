package model

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func thread(id uuid.UUID, updated time.Time) Thread {
	return Thread{ID: id, Agent: AgentTutor, UpdatedAt: updated}
}

func TestMergeThreadsGreaterUpdatedAtWins(t *testing.T) {
	idA := uuid.New()
	idB := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	local := []Thread{thread(idA, base.Add(10 * time.Second))}
	remote := []Thread{
		thread(idA, base.Add(5*time.Second)),
		thread(idB, base.Add(7*time.Second)),
	}

	merged := MergeThreads(remote, local)
	require.Len(t, merged, 2)
	assert.Equal(t, idA, merged[0].ID)
	assert.Equal(t, base.Add(10*time.Second), merged[0].UpdatedAt)
	assert.Equal(t, idB, merged[1].ID)
}

func TestMergeThreadsCommutative(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	a := []Thread{
		thread(ids[0], base.Add(3*time.Minute)),
		thread(ids[1], base.Add(1*time.Minute)),
	}
	b := []Thread{
		thread(ids[0], base.Add(2*time.Minute)),
		thread(ids[1], base.Add(4*time.Minute)),
		thread(ids[2], base),
	}

	ab := MergeThreads(a, b)
	ba := MergeThreads(b, a)
	assert.Equal(t, ab, ba, "merge must be commutative when keyed by id with greater-updatedAt-wins")
}

func TestMergeThreadsSortedDescending(t *testing.T) {
	base := time.Now().UTC()
	var in []Thread
	for i := 0; i < 5; i++ {
		in = append(in, thread(uuid.New(), base.Add(time.Duration(i)*time.Second)))
	}
	merged := MergeThreads(in, nil)
	for i := 1; i < len(merged); i++ {
		assert.False(t, merged[i].UpdatedAt.After(merged[i-1].UpdatedAt),
			"threads must be ordered descending by updated_at")
	}
}

func TestDeriveThreadTitle(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain", "What is 2+2?", "What is 2+2?"},
		{"first line only", "Explain derivatives\nwith examples please", "Explain derivatives"},
		{"trimmed", "  hello  ", "hello"},
		{"truncated", strings.Repeat("a", 200), strings.Repeat("a", MaxThreadTitleLen)},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveThreadTitle(tt.content))
		})
	}
}

func TestValidateThread(t *testing.T) {
	valid := Thread{ID: uuid.New(), Agent: AgentPlanner}
	require.NoError(t, ValidateThread(valid))

	assert.Error(t, ValidateThread(Thread{Agent: AgentPlanner}), "nil id")
	assert.Error(t, ValidateThread(Thread{ID: uuid.New(), Agent: "chef"}), "unknown agent kind")
}

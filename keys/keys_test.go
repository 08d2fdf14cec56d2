package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	cases := []struct {
		Name     string
		Input    string
		Expected string
		Valid    bool
	}{
		{"lowercase", "orders", "orders", true},
		{"case folded", "Orders_V2", "orders_v2", true},
		{"dash and digits", "queue-1", "queue-1", true},
		{"empty", "", "", false},
		{"colon", "a:b", "", false},
		{"space", "a b", "", false},
		{"at sign", "a@b", "", false},
		{"dot", "a.b", "", false},
		{"unicode", "queué", "", false},
	}
	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			got, err := ValidateName(c.Input)
			if !c.Valid {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.Expected, got)
		})
	}
}

func TestQueueRef(t *testing.T) {
	ref, err := NewQueueRef("", "Orders")
	require.NoError(t, err)
	assert.Equal(t, QueueRef{Namespace: DefaultNamespace, Name: "orders"}, ref)
	assert.Equal(t, "orders@default", ref.String())

	ref, err = ParseQueueRef("orders@billing", "ignored")
	require.NoError(t, err)
	assert.Equal(t, QueueRef{Namespace: "billing", Name: "orders"}, ref)

	ref, err = ParseQueueRef("orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, "orders@billing", ref.String())

	_, err = NewQueueRef("global", "orders")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = ParseQueueRef("or:ders@billing", "")
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.True(t, QueueRef{}.IsZero())
	assert.Panics(t, func() { MustQueueRef("", "bad name") })
}

func TestQueueKeysAreDistinct(t *testing.T) {
	q := ForQueue(MustQueueRef("ns1", "orders"))
	g := ForGlobal()
	all := []string{
		q.Properties, q.Pending, q.Priority, q.Acknowledged, q.DeadLettered,
		q.Scheduled, q.Consumers, q.Notifications, q.Processing("c1"), q.Processing("c2"),
		g.Scheduled, g.Delayed, g.Deadlines, g.Heartbeats, g.HeartbeatTimestamps,
		g.Queues, g.ConsumerQueues, Lock("schedule"), Message("m1"),
	}
	seen := make(map[string]bool)
	for _, k := range all {
		assert.False(t, seen[k], "duplicate key %s", k)
		seen[k] = true
	}
	assert.Equal(t, "smq:ns1:queue:orders:pending", q.Pending)
	assert.Equal(t, "smq:ns1:queue:orders:processing:c1", q.Processing("c1"))
	assert.Equal(t, "smq:global:scheduled", g.Scheduled)
	assert.Equal(t, "smq:global:message:m1", Message("m1"))
	assert.Equal(t, "smq:global:lock:schedule", Lock("schedule"))
}

func TestNamespacesDoNotCollide(t *testing.T) {
	a := ForQueue(MustQueueRef("a", "q"))
	b := ForQueue(MustQueueRef("b", "q"))
	assert.NotEqual(t, a.Pending, b.Pending)
	assert.NotEqual(t, a.Properties, b.Properties)
}

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories returns every MessageStore implementation under test.
func storeFactories(t *testing.T) map[string]func(t *testing.T) MessageStore {
	return map[string]func(t *testing.T) MessageStore{
		"memory": func(t *testing.T) MessageStore {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) MessageStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "messages.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func samplePending(id string, created time.Time) *PendingMessage {
	return &PendingMessage{
		ID:            id,
		RecipientID:   "peer-1",
		RecipientName: "alice",
		Payload:       []byte("ciphertext"),
		Kind:          "text",
		CreatedAt:     created,
		ExpiresAt:     created.Add(7 * 24 * time.Hour),
		Status:        StatusPending,
	}
}

func TestPendingLifecycle(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			now := time.Now().Truncate(time.Second)
			msg := samplePending("msg-1", now)
			require.NoError(t, s.SavePending(msg))

			got, err := s.GetPending("msg-1")
			require.NoError(t, err)
			assert.Equal(t, msg.RecipientID, got.RecipientID)
			assert.Equal(t, msg.Payload, got.Payload)
			assert.Equal(t, StatusPending, got.Status)
			assert.Equal(t, 0, got.Attempts)

			got.Attempts++
			got.LastAttemptAt = now
			got.Status = StatusServerQueued
			require.NoError(t, s.UpdatePending(got))

			got2, err := s.GetPending("msg-1")
			require.NoError(t, err)
			assert.Equal(t, 1, got2.Attempts)
			assert.Equal(t, StatusServerQueued, got2.Status)

			require.NoError(t, s.DeletePending("msg-1"))
			_, err = s.GetPending("msg-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListPendingOrdered(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			base := time.Now().Truncate(time.Second)
			require.NoError(t, s.SavePending(samplePending("b", base.Add(time.Minute))))
			require.NoError(t, s.SavePending(samplePending("a", base)))
			require.NoError(t, s.SavePending(samplePending("c", base.Add(2*time.Minute))))

			msgs, err := s.ListPending()
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, "a", msgs[0].ID)
			assert.Equal(t, "b", msgs[1].ID)
			assert.Equal(t, "c", msgs[2].ID)
		})
	}
}

func TestDeleteExpired(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			base := time.Now().Truncate(time.Second)
			old := samplePending("old", base.Add(-8*24*time.Hour))
			old.ExpiresAt = base.Add(-24 * time.Hour)
			fresh := samplePending("fresh", base)

			require.NoError(t, s.SavePending(old))
			require.NoError(t, s.SavePending(fresh))

			n, err := s.DeleteExpired(base)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = s.GetPending("old")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetPending("fresh")
			assert.NoError(t, err)
		})
	}
}

func TestStatusRecordOutlivesPending(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			now := time.Now().Truncate(time.Second)
			require.NoError(t, s.SavePending(samplePending("msg-1", now)))
			require.NoError(t, s.SaveStatus(&DeliveryStatusRecord{
				MessageID:   "msg-1",
				RecipientID: "peer-1",
				Status:      StatusDelivered,
				DeliveredAt: now,
			}))

			require.NoError(t, s.DeletePending("msg-1"))

			rec, err := s.GetStatus("msg-1")
			require.NoError(t, err)
			assert.Equal(t, StatusDelivered, rec.Status)
			assert.False(t, rec.DeliveredAt.IsZero())
		})
	}
}

func TestSaveStatusUpsert(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			now := time.Now().Truncate(time.Second)
			require.NoError(t, s.SaveStatus(&DeliveryStatusRecord{
				MessageID: "msg-1", RecipientID: "peer-1", Status: StatusDelivered, DeliveredAt: now,
			}))
			require.NoError(t, s.SaveStatus(&DeliveryStatusRecord{
				MessageID: "msg-1", RecipientID: "peer-1", Status: StatusRead, DeliveredAt: now, ReadAt: now,
			}))

			rec, err := s.GetStatus("msg-1")
			require.NoError(t, err)
			assert.Equal(t, StatusRead, rec.Status)
			assert.False(t, rec.ReadAt.IsZero())
		})
	}
}

func TestIsForwardProgress(t *testing.T) {
	assert.True(t, IsForwardProgress(StatusPending, StatusServerQueued))
	assert.True(t, IsForwardProgress(StatusPending, StatusDelivered))
	assert.True(t, IsForwardProgress(StatusServerQueued, StatusDelivered))
	assert.True(t, IsForwardProgress(StatusDelivered, StatusRead))

	assert.False(t, IsForwardProgress(StatusDelivered, StatusServerQueued))
	assert.False(t, IsForwardProgress(StatusRead, StatusDelivered))
	assert.False(t, IsForwardProgress(StatusDelivered, StatusDelivered))
	assert.False(t, IsForwardProgress(StatusPending, StatusExpired))
}

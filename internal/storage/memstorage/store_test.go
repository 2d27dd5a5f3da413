package memstorage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/makkenzo/activation-platform/internal/domain/activation"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, repo *ActivationRepository, codes ...string) {
	t.Helper()
	batch := make([]*activation.ActivationCode, len(codes))
	for i, c := range codes {
		batch[i] = &activation.ActivationCode{Code: c, ProductID: "p1", Status: activation.StatusUnused, MaxActivations: 1}
	}
	require.NoError(t, repo.CreateBatch(context.Background(), batch))
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	store := NewStore()
	repo := NewActivationRepository(store)
	seed(t, repo, "ACTAAAAAAAA")

	boom := errors.New("boom")
	err := store.WithinTx(context.Background(), func(ctx context.Context) error {
		c, err := repo.FindByCodeForUpdate(ctx, "ACTAAAAAAAA")
		require.NoError(t, err)
		c.Disable("test")
		require.NoError(t, repo.Update(ctx, c))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	c, err := repo.FindByCode(context.Background(), "ACTAAAAAAAA")
	require.NoError(t, err)
	assert.Equal(t, activation.StatusUnused, c.Status)
}

func TestWithinTx_Nested(t *testing.T) {
	store := NewStore()
	repo := NewActivationRepository(store)
	seed(t, repo, "ACTBBBBBBBB")

	err := store.WithinTx(context.Background(), func(ctx context.Context) error {
		return store.WithinTx(ctx, func(ctx context.Context) error {
			_, err := repo.FindByCode(ctx, "ACTBBBBBBBB")
			return err
		})
	})
	assert.NoError(t, err)
}

func TestCreateBatch_DuplicateIsAtomic(t *testing.T) {
	store := NewStore()
	repo := NewActivationRepository(store)
	seed(t, repo, "ACTCCCCCCCC")

	err := repo.CreateBatch(context.Background(), []*activation.ActivationCode{
		{Code: "ACTDDDDDDDD", MaxActivations: 1},
		{Code: "ACTCCCCCCCC", MaxActivations: 1},
	})
	assert.ErrorIs(t, err, ierr.ErrDuplicateCode)

	_, err = repo.FindByCode(context.Background(), "ACTDDDDDDDD")
	assert.ErrorIs(t, err, ierr.ErrCodeNotFound)
}

func TestRepository_ReturnsCopies(t *testing.T) {
	store := NewStore()
	repo := NewActivationRepository(store)
	seed(t, repo, "ACTEEEEEEEE")

	c, err := repo.FindByCode(context.Background(), "ACTEEEEEEEE")
	require.NoError(t, err)
	c.CurrentActivations = 1

	again, err := repo.FindByCode(context.Background(), "ACTEEEEEEEE")
	require.NoError(t, err)
	assert.Zero(t, again.CurrentActivations)
}

func TestExpireOverdue(t *testing.T) {
	store := NewStore()
	repo := NewActivationRepository(store)
	now := time.Now()

	past := &activation.ActivationCode{Code: "ACTFFFFFFFF", Status: activation.StatusUnused, MaxActivations: 1}
	past.ExpiresAt.Time, past.ExpiresAt.Valid = now.Add(-time.Hour), true
	future := &activation.ActivationCode{Code: "ACTGGGGGGGG", Status: activation.StatusUnused, MaxActivations: 1}
	future.ExpiresAt.Time, future.ExpiresAt.Valid = now.Add(time.Hour), true
	require.NoError(t, repo.CreateBatch(context.Background(), []*activation.ActivationCode{past, future}))

	n, err := repo.ExpireOverdue(context.Background(), now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	c, _ := repo.FindByCode(context.Background(), "ACTFFFFFFFF")
	assert.Equal(t, activation.StatusExpired, c.Status)
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/makkenzo/activation-platform/internal/codegen"
	"github.com/makkenzo/activation-platform/internal/config"
	"github.com/makkenzo/activation-platform/internal/domain/activation"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/makkenzo/activation-platform/internal/storage/memstorage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testCodesConfig = config.CodesConfig{
	Length:     16,
	Prefix:     "ACT",
	SaltKey:    "test-salt",
	ExpireDays: 365,
	MaxBatch:   1000,
}

type fixture struct {
	store    *memstorage.Store
	codes    *memstorage.ActivationRepository
	payments *memstorage.PaymentRepository
	ledger   *LedgerService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstorage.NewStore()
	codes := memstorage.NewActivationRepository(store)
	return &fixture{
		store:    store,
		codes:    codes,
		payments: memstorage.NewPaymentRepository(store),
		ledger:   NewLedgerService(codes, store, codegen.New(testCodesConfig.SaltKey), testCodesConfig, nil, zap.NewNop()),
	}
}

func (f *fixture) issueOne(t *testing.T, maxActivations int) *activation.ActivationCode {
	t.Helper()
	codes, err := f.ledger.Issue(context.Background(), IssueRequest{
		ProductID:      "pro",
		ProductName:    "Pro",
		Price:          decimal.NewFromInt(99),
		Quantity:       1,
		MaxActivations: maxActivations,
	})
	require.NoError(t, err)
	require.Len(t, codes, 1)
	return codes[0]
}

func TestLedger_Issue(t *testing.T) {
	f := newFixture(t)

	codes, err := f.ledger.Issue(context.Background(), IssueRequest{
		ProductID: "pro",
		Price:     decimal.NewFromInt(10),
		Quantity:  25,
	})
	require.NoError(t, err)
	require.Len(t, codes, 25)

	seen := make(map[string]struct{})
	for _, c := range codes {
		assert.True(t, codegen.FormatValid(c.Code, "ACT"), c.Code)
		assert.Len(t, c.Code, 16)
		assert.Equal(t, activation.StatusUnused, c.Status)
		assert.Equal(t, 1, c.MaxActivations)
		assert.Equal(t, DefaultCurrency, c.Currency)
		assert.True(t, c.ExpiresAt.Valid)
		seen[c.Code] = struct{}{}
	}
	assert.Len(t, seen, 25)

	_, total, err := f.ledger.ListByProduct(context.Background(), "pro", 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 25, total)
}

func TestLedger_IssueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Issue(ctx, IssueRequest{ProductID: "pro", Quantity: 0})
	assert.ErrorIs(t, err, ierr.ErrInvalidQuantity)

	_, err = f.ledger.Issue(ctx, IssueRequest{ProductID: "pro", Quantity: 1001})
	assert.ErrorIs(t, err, ierr.ErrInvalidQuantity)

	_, err = f.ledger.Issue(ctx, IssueRequest{Quantity: 1})
	assert.ErrorIs(t, err, ierr.ErrValidation)

	_, err = f.ledger.Issue(ctx, IssueRequest{ProductID: "pro", Quantity: 1, Price: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, ierr.ErrInvalidAmount)
}

func TestLedger_VerifyOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.ledger.Verify(ctx, "bad", "u1")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "invalid_format", res.Reason)

	res, err = f.ledger.Verify(ctx, "ACTAAAAAAAAAAAAA", "u1")
	require.NoError(t, err)
	assert.Equal(t, "not_found", res.Reason)

	c := f.issueOne(t, 2)
	res, err = f.ledger.Verify(ctx, " "+c.Code+" ", "u1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Remaining)

	// Exhausted is reported before disabled.
	for _, u := range []string{"u1", "u2"} {
		r, err := f.ledger.Redeem(ctx, RedeemRequest{Code: c.Code, UserID: u})
		require.NoError(t, err)
		require.True(t, r.Success)
	}
	require.NoError(t, f.ledger.Disable(ctx, c.Code, "manual"))
	res, err = f.ledger.Verify(ctx, c.Code, "u1")
	require.NoError(t, err)
	assert.Equal(t, "exhausted", res.Reason)

	d := f.issueOne(t, 1)
	require.NoError(t, f.ledger.Disable(ctx, d.Code, "manual"))
	require.NoError(t, f.ledger.Disable(ctx, d.Code, "again"))
	res, err = f.ledger.Verify(ctx, d.Code, "u1")
	require.NoError(t, err)
	assert.Equal(t, "disabled", res.Reason)

	stored, err := f.ledger.Get(ctx, d.Code)
	require.NoError(t, err)
	assert.Equal(t, "manual", stored.DisabledReason.String)
}

func TestLedger_RedeemIsBounded(t *testing.T) {
	f := newFixture(t)
	c := f.issueOne(t, 3)

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		reasons   = map[string]int{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.ledger.Redeem(context.Background(), RedeemRequest{Code: c.Code, UserID: "user"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				successes++
			} else {
				reasons[res.Reason]++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, successes)
	assert.Equal(t, workers-3, reasons["exhausted"])

	got, err := f.ledger.Records(context.Background(), c.Code)
	require.NoError(t, err)
	assert.Equal(t, activation.StatusUsed, got.Status)
	assert.Equal(t, 3, got.CurrentActivations)
	assert.Equal(t, 0, got.Remaining)
	assert.Len(t, got.Records, 3)
}

func TestLedger_RedeemStampsFirstUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.issueOne(t, 2)

	res, err := f.ledger.Redeem(ctx, RedeemRequest{Code: c.Code})
	require.NoError(t, err)
	assert.Equal(t, "invalid_user", res.Reason)

	res, err = f.ledger.Redeem(ctx, RedeemRequest{Code: c.Code, UserID: "first", IPAddress: "198.51.100.1"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Remaining)

	_, err = f.ledger.Redeem(ctx, RedeemRequest{Code: c.Code, UserID: "second"})
	require.NoError(t, err)

	got, err := f.ledger.Get(ctx, c.Code)
	require.NoError(t, err)
	assert.Equal(t, "first", got.UsedBy.String)
	assert.True(t, got.UsedAt.Valid)
	assert.Equal(t, activation.StatusUsed, got.Status)
}

func TestLedger_Expiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.issueOne(t, 1)

	f.ledger.now = func() time.Time { return time.Now().AddDate(2, 0, 0) }

	res, err := f.ledger.Verify(ctx, c.Code, "u")
	require.NoError(t, err)
	assert.Equal(t, "expired", res.Reason)

	r, err := f.ledger.Redeem(ctx, RedeemRequest{Code: c.Code, UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, "expired", r.Reason)

	n, err := f.ledger.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := f.ledger.Get(ctx, c.Code)
	require.NoError(t, err)
	assert.Equal(t, activation.StatusExpired, got.Status)
}

func TestLedger_AwaitingPaymentUntilReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	codes, err := f.ledger.Issue(ctx, IssueRequest{ProductID: "pro", Quantity: 1, AwaitingPayment: true})
	require.NoError(t, err)
	c := codes[0]

	res, err := f.ledger.Verify(ctx, c.Code, "u")
	require.NoError(t, err)
	assert.Equal(t, "awaiting_payment", res.Reason)

	require.NoError(t, f.ledger.Release(ctx, c.ID))
	res, err = f.ledger.Verify(ctx, c.Code, "u")
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

// scriptedCodes hands out the queued batches first, then defers to a real generator.
type scriptedCodes struct {
	mu        sync.Mutex
	batches   [][]string
	always    []string
	gen       *codegen.Generator
	excluding int
	excluded  []map[string]struct{}
}

func (s *scriptedCodes) GenerateBatch(count, length int, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.always != nil {
		return append([]string(nil), s.always...), nil
	}
	if len(s.batches) > 0 {
		next := s.batches[0]
		s.batches = s.batches[1:]
		return next, nil
	}
	return s.gen.GenerateBatch(count, length, prefix)
}

func (s *scriptedCodes) GenerateExcluding(count, length int, prefix string, exclude map[string]struct{}) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excluding++
	s.excluded = append(s.excluded, exclude)
	if s.always != nil {
		return append([]string(nil), s.always[:count]...), nil
	}
	return s.gen.GenerateExcluding(count, length, prefix, exclude)
}

// racingRepository hides stored codes from the pre-insert check so the insert
// itself is what detects the collision.
type racingRepository struct {
	activation.Repository
}

func (racingRepository) ExistingCodes(context.Context, []string) ([]string, error) {
	return nil, nil
}

func TestLedger_IssueRegeneratesCodesAlreadyStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taken := f.issueOne(t, 1)

	src := &scriptedCodes{batches: [][]string{{taken.Code}}, gen: codegen.New(testCodesConfig.SaltKey)}
	ledger := NewLedgerService(f.codes, f.store, src, testCodesConfig, nil, zap.NewNop())

	codes, err := ledger.Issue(ctx, IssueRequest{ProductID: "pro", Price: decimal.NewFromInt(5), Quantity: 1})
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.NotEqual(t, taken.Code, codes[0].Code)
	assert.True(t, codegen.FormatValid(codes[0].Code, testCodesConfig.Prefix))

	assert.Equal(t, 1, src.excluding)
	require.Len(t, src.excluded, 1)
	assert.Contains(t, src.excluded[0], taken.Code)

	_, total, err := f.ledger.ListByProduct(ctx, "pro", 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}

func TestLedger_IssueRetriesOnInsertCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taken := f.issueOne(t, 1)

	src := &scriptedCodes{batches: [][]string{{taken.Code}}, gen: codegen.New(testCodesConfig.SaltKey)}
	ledger := NewLedgerService(racingRepository{Repository: f.codes}, f.store, src, testCodesConfig, nil, zap.NewNop())

	codes, err := ledger.Issue(ctx, IssueRequest{ProductID: "pro", Price: decimal.NewFromInt(5), Quantity: 1})
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.NotEqual(t, taken.Code, codes[0].Code)

	stored, err := f.codes.FindByCode(ctx, taken.Code)
	require.NoError(t, err)
	assert.Equal(t, taken.ID, stored.ID, "the colliding insert must not overwrite the existing code")
}

func TestLedger_IssueGivesUpWhenEveryCandidateIsTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taken := f.issueOne(t, 1)

	src := &scriptedCodes{always: []string{taken.Code}, gen: codegen.New(testCodesConfig.SaltKey)}
	ledger := NewLedgerService(f.codes, f.store, src, testCodesConfig, nil, zap.NewNop())

	codes, err := ledger.Issue(ctx, IssueRequest{ProductID: "pro", Price: decimal.NewFromInt(5), Quantity: 1})
	require.ErrorIs(t, err, ierr.ErrGenerationExhausted)
	assert.Nil(t, codes)
	assert.Equal(t, "generation_exhausted", ierr.Reason(err))

	_, total, err := f.ledger.ListByProduct(ctx, "pro", 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	// Insert-time collisions on every round end the same way.
	racing := NewLedgerService(racingRepository{Repository: f.codes}, f.store, src, testCodesConfig, nil, zap.NewNop())
	_, err = racing.Issue(ctx, IssueRequest{ProductID: "pro", Price: decimal.NewFromInt(5), Quantity: 1})
	require.ErrorIs(t, err, ierr.ErrGenerationExhausted)
}

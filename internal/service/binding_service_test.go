package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/makkenzo/activation-platform/internal/config"
	"github.com/makkenzo/activation-platform/internal/domain/activation"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	fpA = strings.Repeat("a1", 32)
	fpB = strings.Repeat("b2", 32)
)

func newBindingService(t *testing.T, f *fixture) *BindingService {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("unbind-secret"), bcrypt.MinCost)
	require.NoError(t, err)
	return NewBindingService(f.codes, f.store, config.BindingConfig{AdminKeyHash: string(hash)}, testCodesConfig.Prefix, nil, zap.NewNop())
}

func TestBinding_BindAndVerify(t *testing.T) {
	f := newFixture(t)
	svc := newBindingService(t, f)
	ctx := context.Background()
	c := f.issueOne(t, 3)

	res, err := svc.Bind(ctx, BindRequest{Code: c.Code, Fingerprint: strings.ToUpper(fpA), UserID: "u1"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, fpA, res.Binding.Fingerprint)

	got, err := f.ledger.Get(ctx, c.Code)
	require.NoError(t, err)
	assert.Equal(t, activation.StatusUsed, got.Status)
	assert.Equal(t, got.MaxActivations, got.CurrentActivations)
	assert.Equal(t, "u1", got.UsedBy.String)
	assert.Len(t, got.Records, 1)

	check, err := svc.Verify(ctx, c.Code, fpA)
	require.NoError(t, err)
	assert.True(t, check.Valid)

	check, err = svc.Verify(ctx, c.Code, fpB)
	require.NoError(t, err)
	assert.False(t, check.Valid)
	assert.Equal(t, "fingerprint_mismatch", check.Reason)

	again, err := svc.Bind(ctx, BindRequest{Code: c.Code, Fingerprint: fpB})
	require.NoError(t, err)
	assert.Equal(t, "already_bound", again.Reason)

	info, err := svc.Info(ctx, c.Code)
	require.NoError(t, err)
	assert.True(t, info.Bound)
}

func TestBinding_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	svc := newBindingService(t, f)
	c := f.issueOne(t, 1)

	res, err := svc.Bind(context.Background(), BindRequest{Code: c.Code, Fingerprint: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "invalid_fingerprint", res.Reason)

	res, err = svc.Bind(context.Background(), BindRequest{Code: "nope", Fingerprint: fpA})
	require.NoError(t, err)
	assert.Equal(t, "invalid_format", res.Reason)
}

func TestBinding_HardwareIsExclusive(t *testing.T) {
	f := newFixture(t)
	svc := newBindingService(t, f)
	ctx := context.Background()
	first := f.issueOne(t, 1)
	second := f.issueOne(t, 1)

	res, err := svc.Bind(ctx, BindRequest{Code: first.Code, Fingerprint: fpA})
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = svc.Bind(ctx, BindRequest{Code: second.Code, Fingerprint: fpA})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "hardware_already_bound", res.Reason)
	assert.ErrorIs(t, res.Err, ierr.ErrHardwareAlreadyBound)

	got, err := f.ledger.Get(ctx, second.Code)
	require.NoError(t, err)
	assert.Equal(t, activation.StatusUnused, got.Status)
}

func TestBinding_ConcurrentBindsOneWinner(t *testing.T) {
	f := newFixture(t)
	svc := newBindingService(t, f)

	codes := make([]string, 10)
	for i := range codes {
		codes[i] = f.issueOne(t, 1).Code
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			res, err := svc.Bind(context.Background(), BindRequest{Code: code, Fingerprint: fpA})
			if !assert.NoError(t, err) {
				return
			}
			if res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(code)
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestBinding_Unbind(t *testing.T) {
	f := newFixture(t)
	svc := newBindingService(t, f)
	ctx := context.Background()
	c := f.issueOne(t, 1)

	err := svc.Unbind(ctx, c.Code, "unbind-secret")
	assert.ErrorIs(t, err, ierr.ErrCodeNotBound)

	res, err := svc.Bind(ctx, BindRequest{Code: c.Code, Fingerprint: fpA, UserID: "u1"})
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.ErrorIs(t, svc.Unbind(ctx, c.Code, "wrong"), ierr.ErrInvalidAdminKey)
	require.NoError(t, svc.Unbind(ctx, c.Code, "unbind-secret"))

	got, err := f.ledger.Get(ctx, c.Code)
	require.NoError(t, err)
	assert.Equal(t, activation.StatusUnused, got.Status)
	assert.Equal(t, 0, got.CurrentActivations)
	assert.Nil(t, got.Binding)
	assert.False(t, got.UsedAt.Valid)
	assert.Len(t, got.Records, 1)

	// The machine is free again, and so is the code.
	res, err = svc.Bind(ctx, BindRequest{Code: c.Code, Fingerprint: fpB})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestBinding_DisabledCannotBeUnbound(t *testing.T) {
	f := newFixture(t)
	svc := newBindingService(t, f)
	ctx := context.Background()
	c := f.issueOne(t, 1)

	res, err := svc.Bind(ctx, BindRequest{Code: c.Code, Fingerprint: fpA})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NoError(t, f.ledger.Disable(ctx, c.Code, "fraud"))

	assert.ErrorIs(t, svc.Unbind(ctx, c.Code, "unbind-secret"), ierr.ErrCodeDisabled)

	check, err := svc.Verify(ctx, c.Code, fpA)
	require.NoError(t, err)
	assert.Equal(t, "disabled", check.Reason)
}

func TestBinding_UnbindWithoutConfiguredKey(t *testing.T) {
	f := newFixture(t)
	svc := NewBindingService(f.codes, f.store, config.BindingConfig{}, "ACT", nil, zap.NewNop())
	c := f.issueOne(t, 1)
	assert.ErrorIs(t, svc.Unbind(context.Background(), c.Code, "anything"), ierr.ErrInvalidAdminKey)
}

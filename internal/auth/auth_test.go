package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	accountID int64
	orgID     int64
}

func (f fakeLookup) AccountByTokenHash(ctx context.Context, tokenHashHex string) (int64, int64, string, error) {
	if tokenHashHex != HashToken("good-token") {
		return 0, 0, "", errUnknownOrg
	}
	return f.accountID, f.orgID, "", nil
}

func (f fakeLookup) TopKeysForOrg(ctx context.Context, org int64, limit int) ([]string, error) {
	return nil, nil
}

type warmingLookup struct {
	fakeLookup
	keys []string
}

func (w warmingLookup) TopKeysForOrg(ctx context.Context, org int64, limit int) ([]string, error) {
	if len(w.keys) > limit {
		return w.keys[:limit], nil
	}
	return w.keys, nil
}

func TestMintWarmsKeySetFromTopKeys(t *testing.T) {
	lookup := warmingLookup{fakeLookup: fakeLookup{accountID: 7, orgID: 42}, keys: []string{"hot1", "hot2"}}
	svc, err := NewService(lookup, time.Hour, 10, 100)
	require.NoError(t, err)

	_, err = svc.Mint(context.Background(), "good-token", 42)
	require.NoError(t, err)

	set, err := svc.KeySets().ForOrg(42)
	require.NoError(t, err)
	require.True(t, set.Contains("hot1"))
	require.True(t, set.Contains("hot2"))
}

func TestCheckAccessShortCircuitsOnCacheHit(t *testing.T) {
	svc, err := NewService(fakeLookup{accountID: 7, orgID: 42}, time.Hour, 10, 100)
	require.NoError(t, err)

	calls := 0
	checkIndex := func(context.Context) (bool, error) {
		calls++
		return true, nil
	}

	allowed, err := svc.CheckAccess(context.Background(), 42, "k1", checkIndex)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 1, calls, "miss falls through to checkIndex")

	allowed, err = svc.CheckAccess(context.Background(), 42, "k1", checkIndex)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 1, calls, "hit short-circuits checkIndex per policy K1")
}

func TestCheckAccessNeverCachesNegativeResult(t *testing.T) {
	svc, err := NewService(fakeLookup{accountID: 7, orgID: 42}, time.Hour, 10, 100)
	require.NoError(t, err)

	allowed, err := svc.CheckAccess(context.Background(), 42, "k1", func(context.Context) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)
	require.False(t, allowed)

	set, err := svc.KeySets().ForOrg(42)
	require.NoError(t, err)
	require.False(t, set.Contains("k1"), "a negative checkIndex result must never populate the key-set")
}

func TestMintAndValidateRoundTrip(t *testing.T) {
	svc, err := NewService(fakeLookup{accountID: 7, orgID: 42}, time.Hour, 10, 100)
	require.NoError(t, err)

	token, err := svc.Mint(context.Background(), "good-token", 42)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	ac, err := svc.Validate(token)
	require.NoError(t, err)
	require.Equal(t, int64(42), ac.OrgID)
	require.Equal(t, int64(7), ac.AccountID)
	require.Equal(t, "good-token", ac.APIToken)
}

func TestMintRejectsOrgMismatch(t *testing.T) {
	svc, err := NewService(fakeLookup{accountID: 7, orgID: 42}, time.Hour, 10, 100)
	require.NoError(t, err)

	_, err = svc.Mint(context.Background(), "good-token", 99)
	require.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	svc, err := NewService(fakeLookup{accountID: 7, orgID: 42}, -time.Minute, 10, 100)
	require.NoError(t, err)

	token, err := svc.Mint(context.Background(), "good-token", 42)
	require.NoError(t, err)

	_, err = svc.Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	svc, err := NewService(fakeLookup{accountID: 7, orgID: 42}, time.Hour, 10, 100)
	require.NoError(t, err)

	token, err := svc.Mint(context.Background(), "good-token", 42)
	require.NoError(t, err)

	tampered := []byte(token)
	tampered[len(tampered)-1] ^= 1
	_, err = svc.Validate(string(tampered))
	require.Error(t, err)
}

func TestOrgKeySetPolicyK2EvictionNeverDenies(t *testing.T) {
	sets, err := NewKeySets(10, 2)
	require.NoError(t, err)

	ks, err := sets.ForOrg(1)
	require.NoError(t, err)
	ks.Add("a")
	ks.Add("b")
	ks.Add("c") // evicts "a"

	require.False(t, ks.Contains("a"), "eviction removes a positive cache entry")
	require.True(t, ks.Contains("b"))
	require.True(t, ks.Contains("c"))
	// Absence here is advisory only; callers must still fall back to the
	// access index rather than treating this as a denial.
}

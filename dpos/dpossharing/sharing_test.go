package dpossharing_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gordian-engine/aedpos/aecrypto"
	"github.com/gordian-engine/aedpos/dpos/dposround"
	"github.com/gordian-engine/aedpos/dpos/dpossharing"
	"github.com/stretchr/testify/require"
)

var scheme = aecrypto.Keccak256Scheme{}

func TestSplitReconstruct(t *testing.T) {
	t.Parallel()

	secret := scheme.Hash([]byte("the in value")).Bytes()
	const n, threshold = 5, 4

	shares, err := dpossharing.SplitSecret(secret, n, threshold)
	require.NoError(t, err)
	require.Len(t, shares, n)

	// Any threshold-sized subset reconstructs, including one that
	// leans on a parity share.
	pieces := map[int][]byte{0: shares[0], 2: shares[2], 3: shares[3], 4: shares[4]}
	got, err := dpossharing.ReconstructSecret(pieces, n, threshold, len(secret))
	require.NoError(t, err)
	require.Equal(t, secret, got)

	// Below threshold there is no partial answer, only an error.
	pieces = map[int][]byte{0: shares[0], 1: shares[1]}
	_, err = dpossharing.ReconstructSecret(pieces, n, threshold, len(secret))
	require.ErrorIs(t, err, dpossharing.ErrIncompleteShares)
}

func TestSplitSecret_InvalidArguments(t *testing.T) {
	t.Parallel()

	_, err := dpossharing.SplitSecret(nil, 5, 4)
	require.Error(t, err)

	_, err = dpossharing.SplitSecret([]byte("s"), 5, 5)
	require.Error(t, err)

	_, err = dpossharing.SplitSecret([]byte("s"), 5, 0)
	require.Error(t, err)
}

func TestReconstructSecret_BadIndex(t *testing.T) {
	t.Parallel()

	secret := scheme.Hash([]byte("x")).Bytes()
	shares, err := dpossharing.SplitSecret(secret, 4, 3)
	require.NoError(t, err)

	pieces := map[int][]byte{0: shares[0], 1: shares[1], 7: shares[2]}
	_, err = dpossharing.ReconstructSecret(pieces, 4, 3, len(secret))
	require.Error(t, err)
}

func TestECDHCipher_RoundTrip(t *testing.T) {
	t.Parallel()

	alice, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	bob, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	eve, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	alicePub := aecrypto.PubkeyHex(alice.PubKey())
	bobPub := aecrypto.PubkeyHex(bob.PubKey())

	piece := []byte("one share of the secret")

	enc, err := dpossharing.NewECDHCipher(alice).Encrypt(bobPub, piece)
	require.NoError(t, err)
	require.NotEqual(t, piece, enc)

	dec, err := dpossharing.NewECDHCipher(bob).Decrypt(alicePub, enc)
	require.NoError(t, err)
	require.Equal(t, piece, dec)

	// A third party does not recover the piece.
	wrong, err := dpossharing.NewECDHCipher(eve).Decrypt(alicePub, enc)
	require.NoError(t, err)
	require.NotEqual(t, piece, wrong)
}

func TestSharingThreshold(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, dpossharing.SharingThreshold(1))
	require.Equal(t, 3, dpossharing.SharingThreshold(4))
	require.Equal(t, 4, dpossharing.SharingThreshold(5))
	require.Equal(t, 12, dpossharing.SharingThreshold(17))
}

// buildCommitRound returns a round in which target committed to a secret
// and holderCount miners published their decrypted shares of it.
func buildCommitRound(t *testing.T, miners []string, target string, secret aecrypto.Hash, holderCount int) *dposround.Round {
	t.Helper()

	cfg := dposround.GenerationConfig{
		MiningInterval:  4 * time.Second,
		BlockchainStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	r, err := dposround.NewFirstRound(miners, cfg, cfg.BlockchainStart)
	require.NoError(t, err)

	r.Miners[target].OutValue = aecrypto.CommitmentOf(scheme, secret)

	n := len(miners)
	threshold := dpossharing.SharingThreshold(n)
	shares, err := dpossharing.SplitSecret(secret.Bytes(), n, threshold)
	require.NoError(t, err)

	r.Miners[target].DecryptedPieces = make(map[string][]byte)
	published := 0
	for _, m := range r.MinersByOrder() {
		if published == holderCount {
			break
		}
		r.Miners[target].DecryptedPieces[m.Pubkey] = shares[m.Order-1]
		published++
	}
	return r
}

func TestRevealOrShare(t *testing.T) {
	t.Parallel()

	miners := make([]string, 5)
	for i := range miners {
		miners[i] = fmt.Sprintf("miner-%02d", i)
	}
	target := miners[1]
	secret := scheme.Hash([]byte("target secret"))
	threshold := dpossharing.SharingThreshold(5)

	t.Run("own reveal wins", func(t *testing.T) {
		t.Parallel()

		r := buildCommitRound(t, miners, target, secret, 0)
		got, source, err := dpossharing.RevealOrShare(r, target, secret, threshold)
		require.NoError(t, err)
		require.Equal(t, dpossharing.SourceSelf, source)
		require.Equal(t, secret, got)
	})

	t.Run("reconstructed from threshold shares", func(t *testing.T) {
		t.Parallel()

		r := buildCommitRound(t, miners, target, secret, threshold)
		got, source, err := dpossharing.RevealOrShare(r, target, aecrypto.Hash{}, threshold)
		require.NoError(t, err)
		require.Equal(t, dpossharing.SourceReconstructed, source)
		require.Equal(t, secret, got)
	})

	t.Run("unavailable below threshold", func(t *testing.T) {
		t.Parallel()

		r := buildCommitRound(t, miners, target, secret, threshold-1)
		_, source, err := dpossharing.RevealOrShare(r, target, aecrypto.Hash{}, threshold)
		require.NoError(t, err)
		require.Equal(t, dpossharing.SourceUnavailable, source)
	})

	t.Run("unknown miner", func(t *testing.T) {
		t.Parallel()

		r := buildCommitRound(t, miners, target, secret, 0)
		_, _, err := dpossharing.RevealOrShare(r, "stranger", aecrypto.Hash{}, threshold)
		require.Error(t, err)
	})
}

func TestAcceptRevealedValue(t *testing.T) {
	t.Parallel()

	miners := []string{"miner-a", "miner-b", "miner-c"}
	secret := scheme.Hash([]byte("secret of b"))
	prev := buildCommitRound(t, miners, "miner-b", secret, 0)

	cfg := dposround.GenerationConfig{
		MiningInterval:  4 * time.Second,
		BlockchainStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	cur, err := dposround.GenerateNextRound(prev, prev.ExtraBlockMiningTime(), cfg)
	require.NoError(t, err)

	out, err := dpossharing.AcceptRevealedValue(cur, prev, "miner-b", secret, scheme)
	require.NoError(t, err)
	require.Equal(t, secret, out.Miners["miner-b"].PreviousInValue)

	// The input round is untouched.
	require.True(t, cur.Miners["miner-b"].PreviousInValue.IsZero())

	// Mismatching value is rejected, not written.
	_, err = dpossharing.AcceptRevealedValue(cur, prev, "miner-b", scheme.Hash([]byte("forged")), scheme)
	require.ErrorIs(t, err, dposround.ErrRevealMismatch)

	// A miner with no commitment cannot receive a reveal.
	_, err = dpossharing.AcceptRevealedValue(cur, prev, "miner-a", secret, scheme)
	require.ErrorIs(t, err, dposround.ErrRevealMismatch)
}

func TestShareDistributionRoundTrip(t *testing.T) {
	t.Parallel()

	// Full path: the owner splits and encrypts per recipient; recipients
	// decrypt their piece; threshold of the published plaintexts rebuild
	// the original secret.
	const n = 5
	privs := make([]*secp256k1.PrivateKey, n)
	pubs := make([]string, n)
	for i := range privs {
		var err error
		privs[i], err = secp256k1.GeneratePrivateKey()
		require.NoError(t, err)
		pubs[i] = aecrypto.PubkeyHex(privs[i].PubKey())
	}

	owner := 0
	secret := scheme.Hash([]byte("round secret")).Bytes()
	threshold := dpossharing.SharingThreshold(n)

	shares, err := dpossharing.SplitSecret(secret, n, threshold)
	require.NoError(t, err)

	ownerCipher := dpossharing.NewECDHCipher(privs[owner])
	encrypted := make(map[int][]byte, n)
	for i := 0; i < n; i++ {
		if i == owner {
			continue
		}
		enc, err := ownerCipher.Encrypt(pubs[i], shares[i])
		require.NoError(t, err)
		encrypted[i] = enc
	}

	decrypted := make(map[int][]byte, threshold)
	for i := 1; i <= threshold; i++ {
		dec, err := dpossharing.NewECDHCipher(privs[i]).Decrypt(pubs[owner], encrypted[i])
		require.NoError(t, err)
		decrypted[i] = dec
	}

	got, err := dpossharing.ReconstructSecret(decrypted, n, threshold, len(secret))
	require.NoError(t, err)
	require.Equal(t, secret, got)
}

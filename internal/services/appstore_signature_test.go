package services

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/internal/testutil"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVerifier(t *testing.T, chain *testutil.SigningChain, requireOIDs bool) *SignatureVerifier {
	t.Helper()
	v, err := NewSignatureVerifier(chain.RootPEM, []string{"ES256"}, requireOIDs)
	require.NoError(t, err)
	return v
}

// flipSegmentChar swaps one character of segment i for a different base64url
// character, keeping the token well formed.
func flipSegmentChar(token string, segment int) string {
	parts := strings.Split(token, ".")
	b := []byte(parts[segment])
	pos := len(b) / 2
	if b[pos] == 'A' {
		b[pos] = 'B'
	} else {
		b[pos] = 'A'
	}
	parts[segment] = string(b)
	return strings.Join(parts, ".")
}

func TestVerifyNotificationDecodesPayload(t *testing.T) {
	chain := testutil.NewSigningChain(t)
	v := newVerifier(t, chain, true)
	signedAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	token := chain.SignNotification(t, testutil.Notification{
		Type:       "ONE_TIME_CHARGE",
		UUID:       "n-1",
		SignedDate: signedAt,
		Transaction: testutil.Transaction{
			TransactionID:   "t-1",
			ProductID:       "course_123",
			Type:            models.ProductTypeNonConsumable,
			AppAccountToken: "user_1",
		},
	})

	decoded, err := v.VerifyNotification(token)
	require.NoError(t, err)
	assert.Equal(t, "ONE_TIME_CHARGE", decoded.NotificationType)
	assert.Equal(t, "n-1", decoded.NotificationID)
	assert.Equal(t, "2.0", decoded.Version)
	assert.Equal(t, testutil.DefaultBundleID, decoded.BundleID)
	assert.Equal(t, models.EnvironmentSandbox, decoded.Environment)
	assert.True(t, decoded.SignedDate.Equal(signedAt))

	txn, err := v.VerifyTransaction(decoded.SignedTransactionInfo)
	require.NoError(t, err)
	assert.Equal(t, "t-1", txn.TransactionID)
	assert.Equal(t, "t-1", txn.OriginalTransactionID)
	assert.Equal(t, "course_123", txn.ProductID)
	assert.Equal(t, "user_1", txn.AppAccountToken)
	assert.Nil(t, txn.ExpiresDate)
}

func TestVerifyRejectsBitFlips(t *testing.T) {
	chain := testutil.NewSigningChain(t)
	v := newVerifier(t, chain, true)
	token := chain.SignNotification(t, testutil.Notification{
		Type:        "PURCHASE",
		Transaction: testutil.Transaction{ProductID: "p"},
	})

	for _, segment := range []int{1, 2} {
		_, err := v.VerifyNotification(flipSegmentChar(token, segment))
		assert.ErrorIs(t, err, ErrInvalidSignature, "segment %d", segment)
	}

	// The last character of a 64-byte signature carries padding bits; every
	// one of its six bits must count.
	parts := strings.Split(token, ".")
	for _, segment := range []int{1, 2} {
		for bit := range 6 {
			flipped := flipBit(parts, segment, len(parts[segment])-1, bit)
			_, err := v.VerifyNotification(flipped)
			assert.ErrorIs(t, err, ErrInvalidSignature, "segment %d bit %d", segment, bit)
		}
	}
}

const base64URLAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// flipBit flips one bit of the 6-bit value encoded by character pos of a
// segment.
func flipBit(parts []string, segment, pos, bit int) string {
	out := append([]string(nil), parts...)
	b := []byte(out[segment])
	idx := strings.IndexByte(base64URLAlphabet, b[pos])
	b[pos] = base64URLAlphabet[idx^(1<<bit)]
	out[segment] = string(b)
	return strings.Join(out, ".")
}

func TestVerifyNotificationWithoutTransaction(t *testing.T) {
	chain := testutil.NewSigningChain(t)
	v := newVerifier(t, chain, true)

	decoded, err := v.VerifyNotification(chain.SignNotification(t, testutil.Notification{
		Type:          "TEST",
		UUID:          "n-test",
		NoTransaction: true,
	}))
	require.NoError(t, err)
	assert.Equal(t, "TEST", decoded.NotificationType)
	assert.Empty(t, decoded.SignedTransactionInfo)
}

func TestVerifyRejectsForeignRoot(t *testing.T) {
	trusted := testutil.NewSigningChain(t)
	rogue := testutil.NewSigningChain(t)
	v := newVerifier(t, trusted, true)

	token := rogue.SignNotification(t, testutil.Notification{Type: "PURCHASE", Transaction: testutil.Transaction{ProductID: "p"}})
	_, err := v.VerifyNotification(token)
	assert.ErrorIs(t, err, ErrUntrustedCertificate)
}

func TestVerifyAppleMarkerOIDs(t *testing.T) {
	chain := testutil.NewSigningChainWith(t, testutil.ChainOptions{OmitAppleOIDs: true})
	token := chain.SignNotification(t, testutil.Notification{Type: "PURCHASE", Transaction: testutil.Transaction{ProductID: "p"}})

	_, err := newVerifier(t, chain, true).VerifyNotification(token)
	assert.ErrorIs(t, err, ErrUntrustedCertificate)

	_, err = newVerifier(t, chain, false).VerifyNotification(token)
	assert.NoError(t, err)
}

func TestVerifyChecksChainAtSignedDate(t *testing.T) {
	chain := testutil.NewSigningChainWith(t, testutil.ChainOptions{
		NotBefore: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:  time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	v := newVerifier(t, chain, true)

	old := chain.SignNotification(t, testutil.Notification{
		Type:        "PURCHASE",
		SignedDate:  time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC),
		Transaction: testutil.Transaction{ProductID: "p"},
	})
	_, err := v.VerifyNotification(old)
	assert.NoError(t, err)

	recent := chain.SignNotification(t, testutil.Notification{Type: "PURCHASE", Transaction: testutil.Transaction{ProductID: "p"}})
	_, err = v.VerifyNotification(recent)
	assert.ErrorIs(t, err, ErrUntrustedCertificate)
}

func TestVerifyMalformedEnvelopes(t *testing.T) {
	chain := testutil.NewSigningChain(t)
	v := newVerifier(t, chain, true)

	cases := map[string]string{
		"empty":        "",
		"two segments": "abc.def",
		"bad header":   "!!!.e30.sig",
		"header json":  base64.RawURLEncoding.EncodeToString([]byte("not json")) + ".e30.sig",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.VerifyNotification(token)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}

	t.Run("missing x5c", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{"notificationType": "PURCHASE"})
		signed, err := token.SignedString(chain.LeafKey)
		require.NoError(t, err)
		_, err = v.VerifyNotification(signed)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("missing notification id", func(t *testing.T) {
		signed := chain.Sign(t, jwt.MapClaims{"notificationType": "PURCHASE", "version": "2.0"})
		_, err := v.VerifyNotification(signed)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})
}

func TestVerifyRejectsDisallowedAlgorithm(t *testing.T) {
	chain := testutil.NewSigningChain(t)
	v := newVerifier(t, chain, true)

	header, err := json.Marshal(map[string]any{"alg": "HS256", "x5c": chain.X5C()})
	require.NoError(t, err)
	token := base64.RawURLEncoding.EncodeToString(header) + ".e30." + base64.RawURLEncoding.EncodeToString([]byte("mac"))

	_, err = v.VerifyNotification(token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyTransactionProductTypeInvariant(t *testing.T) {
	chain := testutil.NewSigningChain(t)
	v := newVerifier(t, chain, true)
	expires := time.Now().Add(time.Hour)

	consumable := chain.Sign(t, testutil.Transaction{
		ProductID:   "coins",
		Type:        models.ProductTypeConsumable,
		ExpiresDate: &expires,
	}.Claims())
	_, err := v.VerifyTransaction(consumable)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	untyped := chain.Sign(t, testutil.Transaction{ProductID: "monthly", ExpiresDate: &expires}.Claims())
	txn, err := v.VerifyTransaction(untyped)
	require.NoError(t, err)
	assert.Equal(t, models.ProductTypeAutoRenewable, txn.ProductType)
	require.NotNil(t, txn.ExpiresDate)
	assert.Equal(t, expires.UnixMilli(), txn.ExpiresDate.UnixMilli())

	lifetime := chain.Sign(t, testutil.Transaction{ProductID: "lifetime"}.Claims())
	txn, err = v.VerifyTransaction(lifetime)
	require.NoError(t, err)
	assert.Equal(t, models.ProductTypeNonConsumable, txn.ProductType)
}

func TestNewSignatureVerifierRequiresRoots(t *testing.T) {
	_, err := NewSignatureVerifier([]byte("nothing here"), nil, true)
	assert.Error(t, err)
}

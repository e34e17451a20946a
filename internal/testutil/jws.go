package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	oidAppleLeaf         = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 11, 1}
	oidAppleIntermediate = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 1}
)

// SigningChain is a root, intermediate and leaf certificate chain shaped like
// the one App Store notifications carry.
type SigningChain struct {
	RootPEM      []byte
	Root         *x509.Certificate
	Intermediate *x509.Certificate
	Leaf         *x509.Certificate
	LeafKey      *ecdsa.PrivateKey
}

// ChainOptions tweaks how NewSigningChain builds certificates.
type ChainOptions struct {
	OmitAppleOIDs bool
	NotBefore     time.Time
	NotAfter      time.Time
}

// NewSigningChain builds a fresh ECDSA P-256 chain.
func NewSigningChain(t testing.TB) *SigningChain {
	return NewSigningChainWith(t, ChainOptions{})
}

func NewSigningChainWith(t testing.TB, opts ChainOptions) *SigningChain {
	t.Helper()
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Date(2045, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	rootKey := newKey(t)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA - G3", Organization: []string{"Test"}},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	root := createCert(t, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)

	intKey := newKey(t)
	intTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Test Worldwide Developer Relations CA - G6"},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "Test Prod ECC Mac App Store and iTunes Store Receipt Signing"},
		NotBefore:    opts.NotBefore,
		NotAfter:     opts.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if !opts.OmitAppleOIDs {
		intTmpl.ExtraExtensions = []pkix.Extension{{Id: oidAppleIntermediate, Value: asn1.NullBytes}}
		leafTmpl.ExtraExtensions = []pkix.Extension{{Id: oidAppleLeaf, Value: asn1.NullBytes}}
	}
	intermediate := createCert(t, intTmpl, root, &intKey.PublicKey, rootKey)

	leafKey := newKey(t)
	leaf := createCert(t, leafTmpl, intermediate, &leafKey.PublicKey, intKey)

	return &SigningChain{
		RootPEM:      pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Raw}),
		Root:         root,
		Intermediate: intermediate,
		Leaf:         leaf,
		LeafKey:      leafKey,
	}
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func createCert(t testing.TB, tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

// X5C returns the header chain, leaf first.
func (c *SigningChain) X5C() []string {
	return []string{
		base64.StdEncoding.EncodeToString(c.Leaf.Raw),
		base64.StdEncoding.EncodeToString(c.Intermediate.Raw),
		base64.StdEncoding.EncodeToString(c.Root.Raw),
	}
}

// Sign produces a compact ES256 JWS over claims with the x5c header set.
func (c *SigningChain) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["x5c"] = c.X5C()
	signed, err := token.SignedString(c.LeafKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// Transaction describes a signedTransactionInfo payload.
type Transaction struct {
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	Type                  string
	AppAccountToken       string
	BundleID              string
	Environment           string
	PurchaseDate          time.Time
	ExpiresDate           *time.Time
	SignedDate            time.Time
}

// Claims renders tx the way the App Store encodes it.
func (tx Transaction) Claims() jwt.MapClaims {
	if tx.TransactionID == "" {
		tx.TransactionID = uuid.NewString()
	}
	if tx.OriginalTransactionID == "" {
		tx.OriginalTransactionID = tx.TransactionID
	}
	if tx.BundleID == "" {
		tx.BundleID = DefaultBundleID
	}
	if tx.Environment == "" {
		tx.Environment = "Sandbox"
	}
	if tx.PurchaseDate.IsZero() {
		tx.PurchaseDate = time.Now()
	}
	if tx.SignedDate.IsZero() {
		tx.SignedDate = time.Now()
	}

	claims := jwt.MapClaims{
		"transactionId":         tx.TransactionID,
		"originalTransactionId": tx.OriginalTransactionID,
		"bundleId":              tx.BundleID,
		"productId":             tx.ProductID,
		"purchaseDate":          tx.PurchaseDate.UnixMilli(),
		"quantity":              1,
		"environment":           tx.Environment,
		"signedDate":            tx.SignedDate.UnixMilli(),
	}
	if tx.Type != "" {
		claims["type"] = tx.Type
	}
	if tx.AppAccountToken != "" {
		claims["appAccountToken"] = tx.AppAccountToken
	}
	if tx.ExpiresDate != nil {
		claims["expiresDate"] = tx.ExpiresDate.UnixMilli()
	}
	return claims
}

const DefaultBundleID = "com.example.courses"

// Notification describes an outer notification payload.
type Notification struct {
	Type        string
	Subtype     string
	UUID        string
	Version     string
	BundleID    string
	Environment string
	SignedDate  time.Time
	Transaction Transaction
	// NoTransaction leaves signedTransactionInfo out, as TEST notifications do.
	NoTransaction bool
}

// SignNotification signs the nested transaction and the outer payload.
func (c *SigningChain) SignNotification(t testing.TB, n Notification) string {
	t.Helper()
	if n.UUID == "" {
		n.UUID = uuid.NewString()
	}
	if n.Version == "" {
		n.Version = "2.0"
	}
	if n.BundleID == "" {
		n.BundleID = DefaultBundleID
	}
	if n.Environment == "" {
		n.Environment = "Sandbox"
	}
	if n.SignedDate.IsZero() {
		n.SignedDate = time.Now()
	}

	data := jwt.MapClaims{
		"appAppleId":    1234567890,
		"bundleId":      n.BundleID,
		"bundleVersion": "1.0",
		"environment":   n.Environment,
	}
	if !n.NoTransaction {
		data["signedTransactionInfo"] = c.Sign(t, n.Transaction.Claims())
	}
	claims := jwt.MapClaims{
		"notificationType": n.Type,
		"notificationUUID": n.UUID,
		"version":          n.Version,
		"signedDate":       n.SignedDate.UnixMilli(),
		"data":             data,
	}
	if n.Subtype != "" {
		claims["subtype"] = n.Subtype
	}
	return c.Sign(t, claims)
}

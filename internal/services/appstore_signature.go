package services

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"slices"
	"strings"
	"time"

	"entitlement-api/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var (
	oidAppleLeafMarker         = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 11, 1}
	oidAppleIntermediateMarker = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 1}
)

// SignatureVerifier verifies App Store JWS payloads against pinned root
// certificates. It holds no mutable state and is safe for concurrent use.
type SignatureVerifier struct {
	roots            *x509.CertPool
	allowedAlgs      []string
	requireAppleOIDs bool
}

// NewSignatureVerifier builds a verifier trusting the PEM encoded roots.
func NewSignatureVerifier(rootsPEM []byte, allowedAlgs []string, requireAppleOIDs bool) (*SignatureVerifier, error) {
	pool := x509.NewCertPool()
	count := 0
	for rest := rootsPEM; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse root certificate: %w", err)
		}
		pool.AddCert(cert)
		count++
	}
	if count == 0 {
		return nil, fmt.Errorf("no root certificates found in PEM input")
	}
	if len(allowedAlgs) == 0 {
		allowedAlgs = []string{jwt.SigningMethodES256.Alg()}
	}
	return &SignatureVerifier{
		roots:            pool,
		allowedAlgs:      allowedAlgs,
		requireAppleOIDs: requireAppleOIDs,
	}, nil
}

// jwsEncoding rejects non-zero padding bits so every bit of a segment is
// significant.
var jwsEncoding = base64.RawURLEncoding.Strict()

// jwsHeader is the protected header of an App Store JWS.
type jwsHeader struct {
	Alg string   `json:"alg"`
	X5C []string `json:"x5c"`
}

// VerifyNotification verifies and decodes the outer signedPayload. The nested
// transaction is left for VerifyTransaction and may be absent.
func (v *SignatureVerifier) VerifyNotification(signedPayload string) (models.DecodedNotification, error) {
	var payload models.NotificationPayload
	if err := v.verifyJWS(signedPayload, &payload, func() int64 { return payload.SignedDate }); err != nil {
		return models.DecodedNotification{}, err
	}
	if payload.NotificationUUID == "" || payload.NotificationType == "" {
		return models.DecodedNotification{}, fmt.Errorf("%w: notification id and type are required", ErrMalformedEnvelope)
	}
	return models.DecodedNotification{
		NotificationType:      payload.NotificationType,
		Subtype:               payload.Subtype,
		NotificationID:        payload.NotificationUUID,
		Environment:           models.Environment(payload.Data.Environment),
		Version:               payload.Version,
		BundleID:              payload.Data.BundleID,
		SignedDate:            models.MillisToTime(payload.SignedDate),
		SignedTransactionInfo: payload.Data.SignedTransactionInfo,
	}, nil
}

// VerifyTransaction verifies and decodes a nested signedTransactionInfo.
func (v *SignatureVerifier) VerifyTransaction(signedTransactionInfo string) (models.TransactionInfo, error) {
	var payload models.TransactionPayload
	if err := v.verifyJWS(signedTransactionInfo, &payload, func() int64 { return payload.SignedDate }); err != nil {
		return models.TransactionInfo{}, err
	}
	if payload.TransactionID == "" || payload.ProductID == "" || payload.PurchaseDate == 0 {
		return models.TransactionInfo{}, fmt.Errorf("%w: transaction id, product id and purchase date are required", ErrMalformedEnvelope)
	}

	productType := payload.Type
	if productType == "" {
		if payload.ExpiresDate != nil {
			productType = models.ProductTypeAutoRenewable
		} else {
			productType = models.ProductTypeNonConsumable
		}
	}
	if payload.ExpiresDate != nil && !models.IsSubscriptionType(productType) {
		return models.TransactionInfo{}, fmt.Errorf("%w: expiresDate on %s product", ErrMalformedEnvelope, productType)
	}

	info := models.TransactionInfo{
		TransactionID:         payload.TransactionID,
		OriginalTransactionID: payload.OriginalTransactionID,
		ProductID:             payload.ProductID,
		ProductType:           productType,
		PurchaseDate:          models.MillisToTime(payload.PurchaseDate),
		Quantity:              payload.Quantity,
		AppAccountToken:       payload.AppAccountToken,
		Environment:           models.Environment(payload.Environment),
		SignedDate:            models.MillisToTime(payload.SignedDate),
	}
	if info.OriginalTransactionID == "" {
		info.OriginalTransactionID = info.TransactionID
	}
	if payload.ExpiresDate != nil {
		expires := models.MillisToTime(*payload.ExpiresDate)
		info.ExpiresDate = &expires
	}
	return info, nil
}

// verifyJWS checks the signature over the raw signing input before decoding
// claims into out, then validates the x5c chain at the payload's signedDate.
func (v *SignatureVerifier) verifyJWS(token string, out any, signedDate func() int64) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: expected 3 JWS segments, got %d", ErrMalformedEnvelope, len(parts))
	}

	headerJSON, err := jwsEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("%w: header is not base64url: %v", ErrMalformedEnvelope, err)
	}
	var header jwsHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return fmt.Errorf("%w: header is not JSON: %v", ErrMalformedEnvelope, err)
	}
	if !slices.Contains(v.allowedAlgs, header.Alg) {
		return fmt.Errorf("%w: algorithm %q not allowed", ErrInvalidSignature, header.Alg)
	}
	method := jwt.GetSigningMethod(header.Alg)
	if method == nil {
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidSignature, header.Alg)
	}

	chain, err := parseX5C(header.X5C)
	if err != nil {
		return err
	}
	leaf := chain[0]
	leafKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: leaf certificate does not hold an ECDSA key", ErrInvalidSignature)
	}

	sig, err := jwsEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("%w: signature is not base64url", ErrInvalidSignature)
	}
	if err := method.Verify(parts[0]+"."+parts[1], sig, leafKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	payloadJSON, err := jwsEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("%w: payload is not base64url: %v", ErrMalformedEnvelope, err)
	}
	if err := json.Unmarshal(payloadJSON, out); err != nil {
		return fmt.Errorf("%w: payload is not valid JSON: %v", ErrMalformedEnvelope, err)
	}

	at := time.Now()
	if ms := signedDate(); ms > 0 {
		at = models.MillisToTime(ms)
	}
	return v.verifyChain(chain, at)
}

// parseX5C decodes the header chain, leaf first.
func parseX5C(x5c []string) ([]*x509.Certificate, error) {
	if len(x5c) < 2 {
		return nil, fmt.Errorf("%w: x5c must hold at least leaf and intermediate", ErrMalformedEnvelope)
	}
	chain := make([]*x509.Certificate, 0, len(x5c))
	for i, encoded := range x5c {
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: x5c[%d] is not base64: %v", ErrMalformedEnvelope, i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: x5c[%d]: %v", ErrMalformedEnvelope, i, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

// verifyChain anchors leaf and intermediate in the pinned roots. A root
// embedded in x5c is ignored.
func (v *SignatureVerifier) verifyChain(chain []*x509.Certificate, at time.Time) error {
	leaf, intermediate := chain[0], chain[1]

	if v.requireAppleOIDs {
		if !hasExtension(leaf, oidAppleLeafMarker) {
			return fmt.Errorf("%w: leaf certificate lacks App Store marker", ErrUntrustedCertificate)
		}
		if !hasExtension(intermediate, oidAppleIntermediateMarker) {
			return fmt.Errorf("%w: intermediate certificate lacks App Store marker", ErrUntrustedCertificate)
		}
	}

	intermediates := x509.NewCertPool()
	intermediates.AddCert(intermediate)

	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedCertificate, err)
	}
	return nil
}

func hasExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}

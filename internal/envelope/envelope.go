// Package envelope implements the Envelope Codec component: building and
// opening CMS EnvelopedData, with content-encryption over symmetric AES (or
// single DES-CBC for older clients) and RSA PKCS#1 v1.5 key transport to a
// recipient certificate.
package envelope

import (
	"crypto/rsa"
	"crypto/x509"
	"sync"

	pkcs7 "go.mozilla.org/pkcs7"

	"scepca/internal/scaperr"
)

// Algorithm identifies a supported content-encryption algorithm. Values
// match go.mozilla.org/pkcs7's own EncryptionAlgorithm constants.
type Algorithm int

const (
	// DESEDE3CBC is the choice for legacy clients that never advertise AES
	// in GetCACaps. Build maps it to pkcs7.EncryptionAlgorithmDESCBC, so
	// the envelope is encrypted with single DES-CBC, not DES-EDE3-CBC.
	DESEDE3CBC Algorithm = iota
	AES128CBC
	AES256CBC
)

func (a Algorithm) pkcs7Algorithm() int {
	switch a {
	case AES128CBC:
		return pkcs7.EncryptionAlgorithmAES128CBC
	case AES256CBC:
		return pkcs7.EncryptionAlgorithmAES256CBC
	default:
		return pkcs7.EncryptionAlgorithmDESCBC
	}
}

// algMu serializes access to pkcs7.ContentEncryptionAlgorithm, which the
// library exposes as process-global state rather than a per-call
// parameter. The core must stay safely callable from concurrent requests
// (spec.md §5), so Build holds this lock for the duration of the pkcs7
// call that depends on the global. Open does not read the global and takes
// no lock.
var algMu sync.Mutex

// NegotiateAlgorithm picks the content-encryption algorithm for a reply,
// per spec.md §4.3: AES-256-CBC when the peer advertises AES capability,
// otherwise DESEDE3CBC (which Build encrypts with single DES-CBC).
func NegotiateAlgorithm(peerAdvertisesAES bool) Algorithm {
	if peerAdvertisesAES {
		return AES256CBC
	}
	return DESEDE3CBC
}

// Build encrypts content for recipient using the given content-encryption
// algorithm and RSA PKCS#1 v1.5 key transport, and returns CMS
// EnvelopedData bytes.
func Build(content []byte, recipient *x509.Certificate, alg Algorithm) ([]byte, error) {
	algMu.Lock()
	defer algMu.Unlock()

	prev := pkcs7.ContentEncryptionAlgorithm
	pkcs7.ContentEncryptionAlgorithm = alg.pkcs7Algorithm()
	defer func() { pkcs7.ContentEncryptionAlgorithm = prev }()

	enveloped, err := pkcs7.Encrypt(content, []*x509.Certificate{recipient})
	if err != nil {
		return nil, scaperr.Wrap(scaperr.KindInternal, err, "build EnvelopedData")
	}
	return enveloped, nil
}

// Open parses CMS EnvelopedData, locates the RecipientInfo matching caCert,
// key-unwraps the content-encryption key with caKey, and symmetric-decrypts
// the content. Any failure — unsupported algorithm, no matching recipient,
// or a cryptographic decrypt failure — is reported as KindEnvelopeFailure,
// matching spec.md §7's merged "envelope-failure" kind.
func Open(der []byte, caCert *x509.Certificate, caKey *rsa.PrivateKey) ([]byte, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, scaperr.Wrap(scaperr.KindEnvelopeFailure, err, "parse EnvelopedData")
	}

	content, err := p7.Decrypt(caCert, caKey)
	if err != nil {
		return nil, scaperr.Wrap(scaperr.KindEnvelopeFailure, err, "decrypt EnvelopedData")
	}
	return content, nil
}

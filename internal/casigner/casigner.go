// Package casigner implements the CA Signer component: turns a verified
// CSR into a signed leaf certificate under the CA's issuance policy
// (spec.md §4.5).
package casigner

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"math/big"
	"time"

	"github.com/jmhodges/clock"

	"scepca/internal/keystore"
	"scepca/internal/scaperr"
)

// clockSkewBackdate widens the validity window to tolerate a requesting
// device's clock running slightly ahead of the CA's.
const clockSkewBackdate = 5 * time.Minute

// Keystore is the subset of *keystore.Keystore the signer depends on,
// narrowed for testability.
type Keystore interface {
	Certificate() *x509.Certificate
	PrivateKey() *rsa.PrivateKey
	NextSerial() (*big.Int, error)
}

// Signer issues leaf certificates from a verified CSR.
type Signer struct {
	ks       Keystore
	clock    clock.Clock
	lifetime time.Duration
}

// New returns a Signer that issues certificates valid for lifetime,
// backdated by clockSkewBackdate.
func New(ks Keystore, clk clock.Clock, lifetime time.Duration) *Signer {
	return &Signer{ks: ks, clock: clk, lifetime: lifetime}
}

// Sign issues a certificate for csr's subject and public key, signed by the
// CA key, per spec.md §4.5: serial from the keystore's monotonic counter,
// subject copied from the CSR verbatim, notBefore backdated by
// clockSkewBackdate, notAfter = notBefore + lifetime, SubjectKeyId computed
// from the leaf's own public key, AuthorityKeyId copied from the CA
// certificate's SubjectKeyId, KeyUsage restricted to digital signature and
// key encipherment, ExtKeyUsage restricted to client authentication.
func (s *Signer) Sign(csr *x509.CertificateRequest) (*x509.Certificate, error) {
	pub, ok := csr.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, scaperr.New(scaperr.KindCSRInvalid, "only RSA public keys are supported")
	}

	serial, err := s.ks.NextSerial()
	if err != nil {
		return nil, err
	}

	caCert := s.ks.Certificate()
	now := s.clock.Now()
	notBefore := now.Add(-clockSkewBackdate)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(s.lifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		SubjectKeyId:          keystore.SubjectKeyID(pub),
		AuthorityKeyId:        caCert.SubjectKeyId,
		BasicConstraintsValid: true, // IsCA defaults false: emits basicConstraints CA:FALSE (spec.md §4.5)
	}
	if len(csr.DNSNames) > 0 || len(csr.IPAddresses) > 0 || len(csr.EmailAddresses) > 0 {
		template.DNSNames = csr.DNSNames
		template.IPAddresses = csr.IPAddresses
		template.EmailAddresses = csr.EmailAddresses
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, pub, s.ks.PrivateKey())
	if err != nil {
		return nil, scaperr.Wrap(scaperr.KindInternal, err, "sign certificate")
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, scaperr.Wrap(scaperr.KindInternal, err, "parse freshly-signed certificate")
	}
	return cert, nil
}

// Package keystore implements the CA Keystore component: it persists and
// loads the CA private key and self-signed certificate, generating them on
// first use, and maintains the monotonic serial counter used by the CA
// Signer.
//
// Layout under CA_ROOT (spec.md §6):
//
//	ca.key   PKCS#8 PEM private key
//	ca.pem   X.509 PEM certificate
//	serial   ASCII decimal integer, the next serial to hand out
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"scepca/internal/scaperr"
)

const (
	caKeyFile    = "ca.key"
	caCertFile   = "ca.pem"
	serialFile   = "serial"
	firstSerial  = int64(1)
	defaultKeyBits = 2048
)

// Config controls bootstrap policy when no CA material exists yet.
type Config struct {
	Root        string        // CA_ROOT directory
	CommonName  string        // CA certificate CommonName
	Organization string       // optional, may be empty
	Lifetime    time.Duration // self-signed cert validity
	KeyBits     int           // RSA modulus size, >= 2048
}

// Keystore owns the CA's key material and serial counter. Safe for
// concurrent use: the key and certificate are read-only after Load/Bootstrap,
// and the serial counter is protected by an internal mutex (spec.md §5).
type Keystore struct {
	cfg   Config
	clock clock.Clock

	mu     sync.Mutex
	key    *rsa.PrivateKey
	cert   *x509.Certificate
}

// Open loads the CA from Config.Root, bootstrapping fresh key material if
// none is present. Any cryptographic, I/O, or malformed-material failure is
// fatal to startup (spec.md §4.1) — Open never silently regenerates over
// existing material, since that would invalidate every certificate already
// issued under it.
func Open(cfg Config, clk clock.Clock) (*Keystore, error) {
	if cfg.KeyBits == 0 {
		cfg.KeyBits = defaultKeyBits
	}
	ks := &Keystore{cfg: cfg, clock: clk}

	exists, err := ks.exists()
	if err != nil {
		return nil, scaperr.Wrap(scaperr.KindInternal, err, "check CA material")
	}
	if !exists {
		log.Printf("keystore: no CA material at %s, generating new CA (CN=%s)", cfg.Root, cfg.CommonName)
		if err := ks.bootstrap(); err != nil {
			return nil, scaperr.Wrap(scaperr.KindInternal, err, "bootstrap CA")
		}
		return ks, nil
	}

	log.Printf("keystore: loading CA material from %s", cfg.Root)
	if err := ks.load(); err != nil {
		return nil, scaperr.Wrap(scaperr.KindInternal, err, "load CA material")
	}
	return ks, nil
}

// exists reports whether CA key and certificate files are both present.
// Only one of the two being present is an error, not a reason to bootstrap.
func (ks *Keystore) exists() (bool, error) {
	found := 0
	for _, name := range []string{caKeyFile, caCertFile} {
		_, err := os.Stat(filepath.Join(ks.cfg.Root, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return false, err
		}
		found++
	}
	switch found {
	case 0:
		return false, nil
	case 2:
		return true, nil
	default:
		return false, fmt.Errorf("incomplete CA material in %s: need both %s and %s", ks.cfg.Root, caKeyFile, caCertFile)
	}
}

func (ks *Keystore) bootstrap() error {
	if err := os.MkdirAll(ks.cfg.Root, 0o700); err != nil {
		return fmt.Errorf("create CA_ROOT: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, ks.cfg.KeyBits)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}

	subject := pkix.Name{CommonName: ks.cfg.CommonName}
	if ks.cfg.Organization != "" {
		subject.Organization = []string{ks.cfg.Organization}
	}

	ski := subjectKeyID(&key.PublicKey)
	now := ks.clock.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(firstSerial),
		Subject:                subject,
		NotBefore:              now,
		NotAfter:               now.Add(ks.cfg.Lifetime),
		KeyUsage:               x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid:  true,
		IsCA:                   true,
		SubjectKeyId:           ski,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("self-sign CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse freshly-signed CA certificate: %w", err)
	}

	if err := writeKeyPEM(filepath.Join(ks.cfg.Root, caKeyFile), key); err != nil {
		return err
	}
	if err := writeCertPEM(filepath.Join(ks.cfg.Root, caCertFile), certDER); err != nil {
		return err
	}
	if err := atomicWriteString(filepath.Join(ks.cfg.Root, serialFile), strconv.FormatInt(firstSerial+1, 10)); err != nil {
		return err
	}

	ks.key = key
	ks.cert = cert
	return nil
}

func (ks *Keystore) load() error {
	keyPEM, err := os.ReadFile(filepath.Join(ks.cfg.Root, caKeyFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", caKeyFile, err)
	}
	key, err := parseKeyPEM(keyPEM)
	if err != nil {
		return fmt.Errorf("parse %s: %w", caKeyFile, err)
	}

	certPEM, err := os.ReadFile(filepath.Join(ks.cfg.Root, caCertFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", caCertFile, err)
	}
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return fmt.Errorf("parse %s: %w", caCertFile, err)
	}

	if _, err := ks.readSerial(); err != nil {
		return fmt.Errorf("read %s: %w", serialFile, err)
	}

	ks.key = key
	ks.cert = cert
	return nil
}

// Certificate returns the CA's certificate. Safe to call concurrently and
// to retain — the key material is immutable after Open.
func (ks *Keystore) Certificate() *x509.Certificate { return ks.cert }

// PrivateKey returns the CA's private key.
func (ks *Keystore) PrivateKey() *rsa.PrivateKey { return ks.key }

// NextSerial reserves and persists the next serial number. It must be
// called, and its result durably persisted, before the reserved serial is
// used in any issued certificate (spec.md §5: reserve, persist, then use).
// On persistence failure the reservation is not handed out.
func (ks *Keystore) NextSerial() (*big.Int, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	next, err := ks.readSerial()
	if err != nil {
		return nil, scaperr.Wrap(scaperr.KindInternal, err, "read serial counter")
	}

	if err := atomicWriteString(filepath.Join(ks.cfg.Root, serialFile), strconv.FormatInt(next+1, 10)); err != nil {
		return nil, scaperr.Wrap(scaperr.KindInternal, err, "persist serial counter")
	}

	return big.NewInt(next), nil
}

func (ks *Keystore) readSerial() (int64, error) {
	raw, err := os.ReadFile(filepath.Join(ks.cfg.Root, serialFile))
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed serial counter %q: %w", string(raw), err)
	}
	if n < 1 {
		return 0, fmt.Errorf("serial counter must be >= 1, got %d", n)
	}
	return n, nil
}

// subjectKeyID computes the SHA-1 of the raw SPKI bit string, RFC 5280
// §4.2.1.2 method (1).
func subjectKeyID(pub *rsa.PublicKey) []byte {
	return SubjectKeyID(pub)
}

// SubjectKeyID computes the SHA-1 of the raw SPKI bit string, RFC 5280
// §4.2.1.2 method (1). Exported so the CA Signer can compute the same
// identifier for leaf certificates and for the AuthorityKeyId extension.
func SubjectKeyID(pub *rsa.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		// MarshalPKIXPublicKey only fails on unsupported key types; an
		// RSA public key we just generated is always supported.
		panic(err)
	}
	var spki struct {
		Algorithm        asn1.RawValue
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		panic(err)
	}
	sum := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return sum[:]
}

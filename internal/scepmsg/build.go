package scepmsg

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"

	"github.com/pkg/errors"
	pkcs7 "go.mozilla.org/pkcs7"

	"scepca/internal/scaperr"
)

// Option configures a Builder. Recognized options are documented on each
// With* function below; Build validates required combinations before signing.
type Option func(*Builder)

// Builder assembles an outer CMS SignedData SCEP message (spec.md §4.4).
type Builder struct {
	messageType    MessageType
	transactionID  string
	pkiStatus      PKIStatus
	failInfo       FailInfo
	hasFailInfo    bool
	senderNonce    []byte
	recipientNonce []byte
	pkiEnvelope    []byte
	certificates   []*x509.Certificate
	signerCert     *x509.Certificate
	signerKey      *rsa.PrivateKey
}

// WithMessageType sets the messageType attribute; required.
func WithMessageType(mt MessageType) Option {
	return func(b *Builder) { b.messageType = mt }
}

// WithTransactionID sets the transactionID attribute; required. For
// replies this must equal the request's transactionID.
func WithTransactionID(id string) Option {
	return func(b *Builder) { b.transactionID = id }
}

// WithPKIStatus sets the pkiStatus attribute; required on CertRep,
// forbidden on request messageTypes.
func WithPKIStatus(status PKIStatus) Option {
	return func(b *Builder) { b.pkiStatus = status }
}

// WithFailInfo sets the failInfo attribute; required when pkiStatus is
// FAILURE on a CertRep.
func WithFailInfo(info FailInfo) Option {
	return func(b *Builder) {
		b.failInfo = info
		b.hasFailInfo = true
	}
}

// WithSenderNonce sets a specific senderNonce instead of generating one.
// Exposed for tests; production callers should omit it and let Build
// generate 16 fresh random bytes.
func WithSenderNonce(nonce []byte) Option {
	return func(b *Builder) { b.senderNonce = nonce }
}

// WithRecipientNonce sets the recipientNonce attribute; required on
// replies, where it must equal the request's senderNonce.
func WithRecipientNonce(nonce []byte) Option {
	return func(b *Builder) { b.recipientNonce = nonce }
}

// WithEnvelope sets the inner EnvelopedData payload to carry as the
// message's encapsulated content; absent for pure FAILURE responses.
func WithEnvelope(der []byte) Option {
	return func(b *Builder) { b.pkiEnvelope = der }
}

// WithCertificates attaches additional certificates to the outer
// SignedData, e.g. the newly issued end-entity certificate on
// CertRep/SUCCESS.
func WithCertificates(certs ...*x509.Certificate) Option {
	return func(b *Builder) { b.certificates = append(b.certificates, certs...) }
}

// WithSigner sets the (cert, key) pair used to sign the outer SignedData.
// Required.
func WithSigner(cert *x509.Certificate, key *rsa.PrivateKey) Option {
	return func(b *Builder) {
		b.signerCert = cert
		b.signerKey = key
	}
}

// Build assembles and signs the outer CMS SignedData per the supplied
// options, per spec.md §4.4.
func Build(opts ...Option) ([]byte, error) {
	b := &Builder{}
	for _, opt := range opts {
		opt(b)
	}

	if b.messageType == "" {
		return nil, scaperr.New(scaperr.KindInternal, "scepmsg: message_type is required")
	}
	if b.transactionID == "" {
		return nil, scaperr.New(scaperr.KindInternal, "scepmsg: transaction_id is required")
	}
	if b.signerCert == nil || b.signerKey == nil {
		return nil, scaperr.New(scaperr.KindInternal, "scepmsg: signer is required")
	}
	if b.messageType == CertRep && b.pkiStatus == "" {
		return nil, scaperr.New(scaperr.KindInternal, "scepmsg: pki_status is required on CertRep")
	}
	if b.messageType == CertRep && b.pkiStatus == FAILURE && !b.hasFailInfo {
		return nil, scaperr.New(scaperr.KindInternal, "scepmsg: fail_info is required when pki_status=FAILURE")
	}

	if len(b.senderNonce) == 0 {
		b.senderNonce = make([]byte, nonceSize)
		if _, err := rand.Read(b.senderNonce); err != nil {
			return nil, scaperr.Wrap(scaperr.KindInternal, err, "generate senderNonce")
		}
	}

	attrs := []pkcs7.Attribute{
		{Type: oidTransactionID, Value: b.transactionID},
		{Type: oidMessageType, Value: string(b.messageType)},
		{Type: oidSenderNonce, Value: b.senderNonce},
	}
	if len(b.recipientNonce) > 0 {
		attrs = append(attrs, pkcs7.Attribute{Type: oidRecipientNonce, Value: b.recipientNonce})
	}
	if b.messageType == CertRep {
		attrs = append(attrs, pkcs7.Attribute{Type: oidPKIStatus, Value: string(b.pkiStatus)})
		if b.hasFailInfo {
			attrs = append(attrs, pkcs7.Attribute{Type: oidFailInfo, Value: string(b.failInfo)})
		}
	}

	content := b.pkiEnvelope
	signedData, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, scaperr.Wrap(scaperr.KindInternal, errors.Wrap(err, "scepmsg"), "create outer SignedData")
	}

	for _, cert := range b.certificates {
		signedData.AddCertificate(cert)
	}

	if err := signedData.AddSigner(b.signerCert, b.signerKey, pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: attrs,
	}); err != nil {
		return nil, scaperr.Wrap(scaperr.KindInternal, errors.Wrap(err, "scepmsg"), "add outer signer")
	}

	signed, err := signedData.Finish()
	if err != nil {
		return nil, scaperr.Wrap(scaperr.KindInternal, errors.Wrap(err, "scepmsg"), "finish outer SignedData")
	}
	return signed, nil
}

// DegenerateCertificate wraps a single DER certificate in a degenerate CMS
// SignedData (no signer, no content, certificates field populated) — used
// for GetCACert when ForceDegenerateForSingleCert is set and for the inner
// payload of a
// CertRep/SUCCESS reply (spec.md §4.6, §9).
func DegenerateCertificate(der []byte) ([]byte, error) {
	out, err := pkcs7.DegenerateCertificate(der)
	if err != nil {
		return nil, scaperr.Wrap(scaperr.KindInternal, err, "build degenerate CMS")
	}
	return out, nil
}

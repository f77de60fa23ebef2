// Package dispatcher implements the Protocol Dispatcher component: the
// top-level SCEP operation resolver and the PKIOperation messageType
// sub-dispatcher (spec.md §4.6). It is the one place that understands the
// full Received → Parsed → Verified → Decrypted → Dispatched → Replied
// state machine; every other core package is a pure function of its inputs.
package dispatcher

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"log"

	"scepca/internal/casigner"
	"scepca/internal/certlog"
	"scepca/internal/csrutil"
	"scepca/internal/envelope"
	"scepca/internal/scaperr"
	"scepca/internal/scepmsg"
)

// caps is the exact GetCACaps response body (spec.md §8): no trailing
// newline, newline-separated.
const caps = "POSTPKIOperation\nSHA-256\nAES"

// Keystore is the subset of *keystore.Keystore the dispatcher depends on.
type Keystore interface {
	Certificate() *x509.Certificate
	PrivateKey() *rsa.PrivateKey
}

// Response is a transport-agnostic SCEP reply: the transport shim writes
// it back verbatim (Content-Type header, status code, body).
type Response struct {
	ContentType string
	StatusCode  int
	Body        []byte
}

// Config carries the dispatcher's issuance policy knobs (SPEC_FULL.md §6).
type Config struct {
	// Challenge, if non-empty, is the shared secret every PKCSReq's
	// challengePassword must equal. If empty, challenge validation is
	// permissive (spec.md §7).
	Challenge string
	// ForceDegenerateForSingleCert wraps GetCACert's single-certificate
	// reply in a degenerate CMS SignedData instead of bare DER.
	ForceDegenerateForSingleCert bool
}

// Dispatcher resolves top-level SCEP operations and, for PKIOperation,
// the nested messageType.
type Dispatcher struct {
	ks     Keystore
	signer *casigner.Signer
	log    *certlog.Log // optional; nil disables the issued-certificate audit trail and GetCertInitial lookups
	cfg    Config
}

// New constructs a Dispatcher. log may be nil.
func New(ks Keystore, signer *casigner.Signer, certLog *certlog.Log, cfg Config) *Dispatcher {
	return &Dispatcher{ks: ks, signer: signer, log: certLog, cfg: cfg}
}

// GetCACert implements spec.md §4.6's GetCACert operation.
func (d *Dispatcher) GetCACert() *Response {
	cert := d.ks.Certificate()

	if !d.cfg.ForceDegenerateForSingleCert {
		return &Response{
			ContentType: "application/x-x509-ca-cert",
			StatusCode:  200,
			Body:        cert.Raw,
		}
	}

	degenerate, err := scepmsg.DegenerateCertificate(cert.Raw)
	if err != nil {
		log.Printf("dispatcher: GetCACert: %v", err)
		return &Response{StatusCode: 500, Body: []byte("internal error")}
	}
	return &Response{
		ContentType: "application/x-x509-ca-ra-cert",
		StatusCode:  200,
		Body:        degenerate,
	}
}

// GetCACaps implements spec.md §4.6's GetCACaps operation.
func (d *Dispatcher) GetCACaps() *Response {
	return &Response{
		ContentType: "text/plain",
		StatusCode:  200,
		Body:        []byte(caps),
	}
}

// PKIOperation implements spec.md §4.6's PKIOperation dispatch. raw is the
// SCEP message bytes, however the transport obtained them (query parameter
// or request body).
func (d *Dispatcher) PKIOperation(raw []byte) *Response {
	msg, err := scepmsg.Parse(raw)
	if err != nil {
		kind, _ := scaperr.As(err)
		log.Printf("dispatcher: PKIOperation parse failed (%s): %v", kind, err)
		// Undecodable CMS, a bad outer signature, or a missing/invalid
		// SCEP attribute: a transport-level failure, not a SCEP reply
		// (spec.md §7).
		return &Response{StatusCode: 400, Body: []byte("malformed SCEP message")}
	}

	switch msg.MessageType {
	case scepmsg.PKCSReq, scepmsg.RenewalReq, scepmsg.UpdateReq:
		return d.handleEnrollment(msg)
	case scepmsg.GetCertInitial:
		return d.handleGetCertInitial(msg)
	case scepmsg.GetCert, scepmsg.GetCRL:
		return d.failureReply(msg, scepmsg.BadRequest)
	default:
		// Unknown-but-recognized messageType: tightened per spec.md §9 to
		// an explicit CertRep/FAILURE/badRequest rather than an empty body.
		return d.failureReply(msg, scepmsg.BadRequest)
	}
}

func (d *Dispatcher) handleEnrollment(msg *scepmsg.Message) *Response {
	if len(msg.SignerCerts) == 0 {
		return d.failureReply(msg, scepmsg.BadMessageCheck)
	}
	requester := msg.SignerCerts[0]

	if msg.MessageType != scepmsg.PKCSReq {
		if err := requester.CheckSignatureFrom(d.ks.Certificate()); err != nil {
			log.Printf("dispatcher: renewal signer does not chain to CA: %v", err)
			return d.failureReply(msg, scepmsg.BadRequest)
		}
	}

	der, err := envelope.Open(msg.Envelope, d.ks.Certificate(), d.ks.PrivateKey())
	if err != nil {
		log.Printf("dispatcher: envelope open failed: %v", err)
		return d.failureReply(msg, scepmsg.BadMessageCheck)
	}

	csr, err := csrutil.Parse(der)
	if err != nil {
		log.Printf("dispatcher: CSR invalid: %v", err)
		return d.failureReply(msg, scepmsg.BadRequest)
	}

	if msg.MessageType == scepmsg.PKCSReq {
		if err := d.checkChallenge(der); err != nil {
			log.Printf("dispatcher: challenge check failed: %v", err)
			return d.failureReply(msg, scepmsg.BadRequest)
		}
	}

	cert, err := d.signer.Sign(csr)
	if err != nil {
		log.Printf("dispatcher: signing failed: %v", err)
		if kind, _ := scaperr.As(err); kind == scaperr.KindInternal {
			// e.g. the serial counter could not be persisted (spec.md §7).
			return &Response{StatusCode: 500, Body: []byte("internal error")}
		}
		return d.failureReply(msg, scepmsg.BadRequest)
	}

	if d.log != nil {
		if _, err := d.log.Record(cert, msg.TransactionID); err != nil {
			// A log write failure is an internal error (spec.md §7) and
			// aborts issuance: never hand back a SUCCESS for a certificate
			// that didn't make it into the audit trail.
			log.Printf("dispatcher: certlog record failed: %v", err)
			return &Response{StatusCode: 500, Body: []byte("internal error")}
		}
	}

	return d.successReply(msg, requester, cert)
}

func (d *Dispatcher) handleGetCertInitial(msg *scepmsg.Message) *Response {
	if d.log == nil || len(msg.SignerCerts) == 0 {
		return d.failureReply(msg, scepmsg.BadRequest)
	}

	entries, err := d.log.ByTransactionID(msg.TransactionID)
	if err != nil || len(entries) == 0 {
		return d.failureReply(msg, scepmsg.BadRequest)
	}

	cert, err := entries[len(entries)-1].Certificate()
	if err != nil {
		log.Printf("dispatcher: GetCertInitial: parse stored certificate: %v", err)
		return d.failureReply(msg, scepmsg.BadRequest)
	}

	return d.successReply(msg, msg.SignerCerts[0], cert)
}

func (d *Dispatcher) successReply(msg *scepmsg.Message, recipient *x509.Certificate, cert *x509.Certificate) *Response {
	degenerate, err := scepmsg.DegenerateCertificate(cert.Raw)
	if err != nil {
		log.Printf("dispatcher: build degenerate CMS: %v", err)
		return d.failureReply(msg, scepmsg.BadRequest)
	}

	alg := envelope.NegotiateAlgorithm(true)
	enveloped, err := envelope.Build(degenerate, recipient, alg)
	if err != nil {
		log.Printf("dispatcher: envelope build: %v", err)
		return d.failureReply(msg, scepmsg.BadRequest)
	}

	raw, err := scepmsg.Build(
		scepmsg.WithMessageType(scepmsg.CertRep),
		scepmsg.WithTransactionID(msg.TransactionID),
		scepmsg.WithPKIStatus(scepmsg.SUCCESS),
		scepmsg.WithRecipientNonce(msg.SenderNonce),
		scepmsg.WithEnvelope(enveloped),
		scepmsg.WithCertificates(cert),
		scepmsg.WithSigner(d.ks.Certificate(), d.ks.PrivateKey()),
	)
	if err != nil {
		log.Printf("dispatcher: build CertRep/SUCCESS: %v", err)
		return &Response{StatusCode: 500, Body: []byte("internal error")}
	}

	return &Response{ContentType: "application/x-pki-message", StatusCode: 200, Body: raw}
}

func (d *Dispatcher) failureReply(msg *scepmsg.Message, failInfo scepmsg.FailInfo) *Response {
	raw, err := scepmsg.Build(
		scepmsg.WithMessageType(scepmsg.CertRep),
		scepmsg.WithTransactionID(msg.TransactionID),
		scepmsg.WithPKIStatus(scepmsg.FAILURE),
		scepmsg.WithFailInfo(failInfo),
		scepmsg.WithRecipientNonce(msg.SenderNonce),
		scepmsg.WithSigner(d.ks.Certificate(), d.ks.PrivateKey()),
	)
	if err != nil {
		log.Printf("dispatcher: build CertRep/FAILURE: %v", err)
		return &Response{StatusCode: 500, Body: []byte("internal error")}
	}
	return &Response{ContentType: "application/x-pki-message", StatusCode: 200, Body: raw}
}

// checkChallenge validates the challengePassword attribute on an inner
// CSR against the configured secret, per spec.md §7: constant-time compare
// when a CHALLENGE is configured, permissive when not.
func (d *Dispatcher) checkChallenge(csrDER []byte) error {
	if d.cfg.Challenge == "" {
		return nil
	}

	pw, ok, err := csrutil.ChallengePassword(csrDER)
	if err != nil {
		return scaperr.Wrap(scaperr.KindChallengeFailed, err, "extract challengePassword")
	}
	if !ok {
		return scaperr.New(scaperr.KindChallengeFailed, "challengePassword attribute missing")
	}

	want := sha256.Sum256([]byte(d.cfg.Challenge))
	got := sha256.Sum256([]byte(pw))
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return scaperr.New(scaperr.KindChallengeFailed, "challengePassword mismatch")
	}
	return nil
}

package dispatcher

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"scepca/internal/casigner"
	"scepca/internal/certlog"
	"scepca/internal/envelope"
	"scepca/internal/keystore"
	"scepca/internal/scepmsg"
)

var oidSHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}

type pkixAlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type signedCertReq struct {
	TBS       asn1.RawValue
	Algorithm pkixAlgorithmIdentifier
	Signature asn1.BitString
}

// buildSignedCSRWithChallenge hand-assembles a PKCS#10 CertificationRequest
// carrying a challengePassword attribute and a real SHA-256-with-RSA
// signature, so it parses and verifies exactly like a client-produced CSR.
func buildSignedCSRWithChallenge(t *testing.T, key *rsa.PrivateKey, cn, challenge string) []byte {
	t.Helper()

	spkiDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}

	rdn := pkix.Name{CommonName: cn}.ToRDNSequence()
	subjectDER, err := asn1.Marshal(rdn)
	if err != nil {
		t.Fatalf("marshal subject: %v", err)
	}

	versionDER, err := asn1.Marshal(0)
	if err != nil {
		t.Fatalf("marshal version: %v", err)
	}

	var attributesDER []byte
	if challenge != "" {
		oidBytes, err := asn1.Marshal(oidChallengePasswordForTest)
		if err != nil {
			t.Fatalf("marshal challenge OID: %v", err)
		}
		valueBytes, err := asn1.Marshal(challenge)
		if err != nil {
			t.Fatalf("marshal challenge value: %v", err)
		}
		setBytes := derTLVForTest(0x31, valueBytes)
		attrSeq := derTLVForTest(0x30, append(append([]byte{}, oidBytes...), setBytes...))
		attributesDER = derTLVForTest(0xA0, attrSeq)
	} else {
		attributesDER = derTLVForTest(0xA0, nil)
	}

	tbsContent := append([]byte{}, versionDER...)
	tbsContent = append(tbsContent, subjectDER...)
	tbsContent = append(tbsContent, spkiDER...)
	tbsContent = append(tbsContent, attributesDER...)
	tbsDER := derTLVForTest(0x30, tbsContent)

	digest := sha256.Sum256(tbsDER)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15: %v", err)
	}

	out, err := asn1.Marshal(signedCertReq{
		TBS:       asn1.RawValue{FullBytes: tbsDER},
		Algorithm: pkixAlgorithmIdentifier{Algorithm: oidSHA256WithRSA, Parameters: asn1.NullRawValue},
		Signature: asn1.BitString{Bytes: sig, BitLength: len(sig) * 8},
	})
	if err != nil {
		t.Fatalf("marshal CertificationRequest: %v", err)
	}
	return out
}

var oidChallengePasswordForTest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 7}

// derTLVForTest builds a DER tag-length-value triplet; test fixtures only
// ever need content under 128 bytes except the outer wrappers, which are
// built from already-DER-encoded children so their lengths may exceed that
// — handle both short and long form.
func derTLVForTest(tag byte, content []byte) []byte {
	out := []byte{tag}
	n := len(content)
	switch {
	case n < 128:
		out = append(out, byte(n))
	default:
		lenBytes := big.NewInt(int64(n)).Bytes()
		out = append(out, 0x80|byte(len(lenBytes)))
		out = append(out, lenBytes...)
	}
	return append(out, content...)
}

func testDispatcher(t *testing.T, cfg Config) (*Dispatcher, *keystore.Keystore) {
	t.Helper()
	dir, err := os.MkdirTemp("", "dispatcher-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	clk := clock.NewFake()
	ks, err := keystore.Open(keystore.Config{
		Root:       dir,
		CommonName: "Test CA",
		Lifetime:   10 * 365 * 24 * time.Hour,
		KeyBits:    2048,
	}, clk)
	if err != nil {
		t.Fatalf("keystore.Open: %v", err)
	}

	signer := casigner.New(ks, clk, 365*24*time.Hour)

	dbFile, err := os.CreateTemp(dir, "certlog-*.db")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	dbFile.Close()
	certLog, err := certlog.Open(dbFile.Name(), clk)
	if err != nil {
		t.Fatalf("certlog.Open: %v", err)
	}
	t.Cleanup(func() { certLog.Close() })

	return New(ks, signer, certLog, cfg), ks
}

// buildEnrollmentRequest constructs a signed, enveloped PKCSReq message the
// way a real SCEP client would, mirroring spec.md §8 scenario 3.
func buildEnrollmentRequest(t *testing.T, ks *keystore.Keystore, cn, challenge string) (raw []byte, clientKey *rsa.PrivateKey, clientCert *x509.Certificate, senderNonce []byte) {
	t.Helper()

	clientKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	csrDER := buildSignedCSRWithChallenge(t, clientKey, cn, challenge)

	selfSignedTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	selfSignedDER, err := x509.CreateCertificate(rand.Reader, selfSignedTemplate, selfSignedTemplate, &clientKey.PublicKey, clientKey)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	clientCert, err = x509.ParseCertificate(selfSignedDER)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}

	enveloped, err := envelope.Build(csrDER, ks.Certificate(), envelope.AES256CBC)
	if err != nil {
		t.Fatalf("envelope.Build: %v", err)
	}

	senderNonce = bytes.Repeat([]byte{0x09}, 16)
	raw, err = scepmsg.Build(
		scepmsg.WithMessageType(scepmsg.PKCSReq),
		scepmsg.WithTransactionID("txn-test"),
		scepmsg.WithSenderNonce(senderNonce),
		scepmsg.WithEnvelope(enveloped),
		scepmsg.WithSigner(clientCert, clientKey),
	)
	if err != nil {
		t.Fatalf("scepmsg.Build: %v", err)
	}

	return raw, clientKey, clientCert, senderNonce
}

func TestPKIOperationEnrollmentHappyPath(t *testing.T) {
	d, ks := testDispatcher(t, Config{})
	raw, clientKey, clientCert, senderNonce := buildEnrollmentRequest(t, ks, "device-1", "")

	resp := d.PKIOperation(raw)
	if resp.StatusCode != 200 {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	if resp.ContentType != "application/x-pki-message" {
		t.Errorf("got Content-Type %q", resp.ContentType)
	}

	reply, err := scepmsg.Parse(resp.Body)
	if err != nil {
		t.Fatalf("scepmsg.Parse(reply): %v", err)
	}
	if reply.MessageType != scepmsg.CertRep {
		t.Errorf("got messageType %v, want CertRep", reply.MessageType)
	}
	if reply.PKIStatus != scepmsg.SUCCESS {
		t.Fatalf("got pkiStatus %v, want SUCCESS", reply.PKIStatus)
	}
	if reply.TransactionID != "txn-test" {
		t.Errorf("got transactionID %q", reply.TransactionID)
	}
	if !bytes.Equal(reply.RecipientNonce, senderNonce) {
		t.Errorf("recipientNonce mismatch")
	}

	decrypted, err := envelope.Open(reply.Envelope, clientCert, clientKey)
	if err != nil {
		t.Fatalf("envelope.Open(reply): %v", err)
	}
	if len(decrypted) == 0 {
		t.Fatal("expected non-empty decrypted degenerate CMS")
	}
}

func TestPKIOperationBadChallenge(t *testing.T) {
	d, ks := testDispatcher(t, Config{Challenge: "secret"})
	raw, _, _, _ := buildEnrollmentRequest(t, ks, "device-2", "wrong")

	resp := d.PKIOperation(raw)
	reply, err := scepmsg.Parse(resp.Body)
	if err != nil {
		t.Fatalf("scepmsg.Parse: %v", err)
	}
	if reply.PKIStatus != scepmsg.FAILURE {
		t.Fatalf("got pkiStatus %v, want FAILURE", reply.PKIStatus)
	}
	if reply.FailInfo != scepmsg.BadRequest {
		t.Errorf("got failInfo %v, want BadRequest", reply.FailInfo)
	}
}

func TestPKIOperationTamperedSignatureRejected(t *testing.T) {
	d, ks := testDispatcher(t, Config{})
	raw, _, _, _ := buildEnrollmentRequest(t, ks, "device-3", "")
	raw[len(raw)-1] ^= 0xFF

	resp := d.PKIOperation(raw)
	if resp.StatusCode != 400 {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
}

func TestGetCACertSingleCertMode(t *testing.T) {
	d, ks := testDispatcher(t, Config{})
	resp := d.GetCACert()

	if resp.ContentType != "application/x-x509-ca-cert" {
		t.Errorf("got Content-Type %q", resp.ContentType)
	}
	cert, err := x509.ParseCertificate(resp.Body)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if !cert.Equal(ks.Certificate()) {
		t.Error("GetCACert body does not match the keystore's CA certificate")
	}
}

func TestGetCACaps(t *testing.T) {
	d, _ := testDispatcher(t, Config{})
	resp := d.GetCACaps()
	want := "POSTPKIOperation\nSHA-256\nAES"
	if string(resp.Body) != want {
		t.Errorf("got %q, want %q", resp.Body, want)
	}
}

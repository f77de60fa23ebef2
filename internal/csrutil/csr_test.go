package csrutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"
)

// derTLV builds a minimal DER tag-length-value triplet. Test fixtures only
// ever need short-form lengths (<128 bytes of content).
func derTLV(tag byte, content []byte) []byte {
	if len(content) >= 128 {
		panic("test fixture content too large for short-form length")
	}
	out := make([]byte, 0, len(content)+2)
	out = append(out, tag, byte(len(content)))
	return append(out, content...)
}

// buildCSRWithChallenge hand-assembles a syntactically valid (but
// unsigned/unverified) PKCS#10 CertificationRequest carrying a single
// challengePassword attribute, to exercise ChallengePassword's ASN.1
// walking code independent of CheckSignature.
func buildCSRWithChallenge(t *testing.T, challenge string) []byte {
	t.Helper()

	oidBytes, err := asn1.Marshal(oidChallengePassword)
	if err != nil {
		t.Fatalf("marshal OID: %v", err)
	}
	valueBytes, err := asn1.Marshal(challenge)
	if err != nil {
		t.Fatalf("marshal challenge value: %v", err)
	}
	setBytes := derTLV(0x31, valueBytes) // SET OF
	attrSeq := derTLV(0x30, append(append([]byte{}, oidBytes...), setBytes...))
	attributesWrapper := derTLV(0xA0, attrSeq) // [0] IMPLICIT SET OF Attribute

	versionBytes, err := asn1.Marshal(0)
	if err != nil {
		t.Fatalf("marshal version: %v", err)
	}
	dummySubject := derTLV(0x30, nil)
	dummyPublicKey := derTLV(0x30, nil)

	infoContent := append([]byte{}, versionBytes...)
	infoContent = append(infoContent, dummySubject...)
	infoContent = append(infoContent, dummyPublicKey...)
	infoContent = append(infoContent, attributesWrapper...)
	infoSeq := derTLV(0x30, infoContent)

	return derTLV(0x30, infoSeq)
}

func TestParseValidCSR(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "device-1"},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		t.Fatalf("CreateCertificateRequest: %v", err)
	}

	csr, err := Parse(der)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if csr.Subject.CommonName != "device-1" {
		t.Errorf("got CommonName %q, want %q", csr.Subject.CommonName, "device-1")
	}
}

func TestParseEmptySubjectRejected(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{}, key)
	if err != nil {
		t.Fatalf("CreateCertificateRequest: %v", err)
	}

	if _, err := Parse(der); err == nil {
		t.Fatal("expected empty-subject CSR to be rejected")
	}
}

func TestParseTamperedSignatureRejected(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "device-1"},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		t.Fatalf("CreateCertificateRequest: %v", err)
	}
	der[len(der)-1] ^= 0xFF // flip a byte in the signature

	if _, err := Parse(der); err == nil {
		t.Fatal("expected tampered-signature CSR to be rejected")
	}
}

func TestChallengePasswordPresent(t *testing.T) {
	der := buildCSRWithChallenge(t, "s3cr3t")

	pw, ok, err := ChallengePassword(der)
	if err != nil {
		t.Fatalf("ChallengePassword: %v", err)
	}
	if !ok {
		t.Fatal("expected challengePassword attribute to be found")
	}
	if pw != "s3cr3t" {
		t.Errorf("got %q, want %q", pw, "s3cr3t")
	}
}

func TestChallengePasswordAbsent(t *testing.T) {
	// A CertificationRequestInfo with an empty attribute set.
	versionBytes, _ := asn1.Marshal(0)
	dummySubject := derTLV(0x30, nil)
	dummyPublicKey := derTLV(0x30, nil)
	attributesWrapper := derTLV(0xA0, nil)

	infoContent := append([]byte{}, versionBytes...)
	infoContent = append(infoContent, dummySubject...)
	infoContent = append(infoContent, dummyPublicKey...)
	infoContent = append(infoContent, attributesWrapper...)
	infoSeq := derTLV(0x30, infoContent)
	der := derTLV(0x30, infoSeq)

	pw, ok, err := ChallengePassword(der)
	if err != nil {
		t.Fatalf("ChallengePassword: %v", err)
	}
	if ok {
		t.Errorf("expected no challengePassword attribute, got %q", pw)
	}
}

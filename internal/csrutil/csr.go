// Package csrutil implements the CSR Inspector component: it decodes a
// PKCS#10 CertificationRequest, verifies the inner signature against the
// embedded SPKI before any field is trusted, and extracts the
// challengePassword attribute used for out-of-band request authentication.
package csrutil

import (
	"crypto/x509"
	"encoding/asn1"

	"scepca/internal/scaperr"
)

// oidChallengePassword is the PKCS#9 challengePassword attribute, RFC 2985.
var oidChallengePassword = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 7}

// pkcs10CertificationRequest mirrors RFC 2986 §4, only as deep as needed to
// reach the attribute set — x509.CertificateRequest doesn't expose
// arbitrary PKCS#9 attributes, and its own Attributes field is deprecated.
type pkcs10CertificationRequest struct {
	Info asn1.RawValue
}

// certificationRequestInfo mirrors crypto/x509's own internal
// tbsCertificateRequest: the attribute set is captured as a slice of
// asn1.RawValue under the implicit [0] context tag, which is how the
// standard library itself extracts PKCS#10 attributes (it does the same
// for CSR extension requests).
type certificationRequestInfo struct {
	Version       int
	Subject       asn1.RawValue
	PublicKey     asn1.RawValue
	RawAttributes []asn1.RawValue `asn1:"tag:0"`
}

// pkcs10Attribute is a single PKCS#9/#10 Attribute: an OID plus a SET of
// values (SCEP only ever uses a single value per attribute).
type pkcs10Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// Parse decodes DER-encoded bytes into an x509.CertificateRequest and
// verifies the inner signature over CertificationRequestInfo before
// returning it. A malformed encoding or a signature that does not verify
// against the embedded SPKI is reported as KindCSRInvalid.
func Parse(der []byte) (*x509.CertificateRequest, error) {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, scaperr.Wrap(scaperr.KindCSRInvalid, err, "parse PKCS#10 CertificationRequest")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, scaperr.Wrap(scaperr.KindCSRInvalid, err, "verify CSR signature against embedded SPKI")
	}
	if csr.Subject.String() == "" {
		return nil, scaperr.New(scaperr.KindCSRInvalid, "CSR has an empty subject")
	}
	return csr, nil
}

// ChallengePassword extracts the PKCS#9 challengePassword attribute from a
// raw PKCS#10 CertificationRequest, ignoring any attribute it doesn't
// recognize. Returns ("", false) if the attribute is absent — the caller
// decides whether that's acceptable per the configured challenge policy.
func ChallengePassword(der []byte) (string, bool, error) {
	var req pkcs10CertificationRequest
	if _, err := asn1.Unmarshal(der, &req); err != nil {
		return "", false, scaperr.Wrap(scaperr.KindCSRInvalid, err, "unmarshal CertificationRequest")
	}

	var info certificationRequestInfo
	if _, err := asn1.Unmarshal(req.Info.FullBytes, &info); err != nil {
		return "", false, scaperr.Wrap(scaperr.KindCSRInvalid, err, "unmarshal CertificationRequestInfo")
	}

	for _, rawAttr := range info.RawAttributes {
		var attr pkcs10Attribute
		rest, err := asn1.Unmarshal(rawAttr.FullBytes, &attr)
		if err != nil || len(rest) != 0 {
			// Per spec.md §4.2, unknown/malformed attributes are ignored,
			// not fatal — skip and keep looking for challengePassword.
			continue
		}
		if !attr.Type.Equal(oidChallengePassword) || len(attr.Values) == 0 {
			continue
		}
		var pw string
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &pw); err != nil {
			return "", false, scaperr.Wrap(scaperr.KindCSRInvalid, err, "decode challengePassword value")
		}
		return pw, true, nil
	}

	return "", false, nil
}

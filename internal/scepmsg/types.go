// Package scepmsg implements the SCEP Message Codec component: parsing and
// constructing CMS SignedData wrapping the SCEP envelope, and the SCEP
// authenticated attributes (transactionID, messageType, pkiStatus,
// senderNonce, recipientNonce, failInfo) that correlate a reply to its
// request.
package scepmsg

import (
	"crypto/x509"
	"encoding/asn1"
)

// MessageType is the SCEP messageType attribute (PrintableString numeric
// code). Undefined values are treated as malformed by Parse.
type MessageType string

const (
	CertRep         MessageType = "3"
	RenewalReq      MessageType = "17"
	UpdateReq       MessageType = "18"
	PKCSReq         MessageType = "19"
	GetCertInitial  MessageType = "20"
	GetCert         MessageType = "21"
	GetCRL          MessageType = "22"
)

func (m MessageType) String() string {
	switch m {
	case CertRep:
		return "CertRep (3)"
	case RenewalReq:
		return "RenewalReq (17)"
	case UpdateReq:
		return "UpdateReq (18)"
	case PKCSReq:
		return "PKCSReq (19)"
	case GetCertInitial:
		return "GetCertInitial (20)"
	case GetCert:
		return "GetCert (21)"
	case GetCRL:
		return "GetCRL (22)"
	default:
		return "unknown messageType " + string(m)
	}
}

// Known reports whether m is one of the messageType values SCEP defines.
func (m MessageType) Known() bool {
	switch m {
	case CertRep, RenewalReq, UpdateReq, PKCSReq, GetCertInitial, GetCert, GetCRL:
		return true
	default:
		return false
	}
}

// PKIStatus is the SCEP pkiStatus attribute, required on every CertRep.
type PKIStatus string

const (
	SUCCESS PKIStatus = "0"
	FAILURE PKIStatus = "2"
	PENDING PKIStatus = "3"
)

// FailInfo is the SCEP failInfo attribute, required when pkiStatus=FAILURE.
type FailInfo string

const (
	BadAlg          FailInfo = "0"
	BadMessageCheck FailInfo = "1"
	BadRequest      FailInfo = "2"
	BadTime         FailInfo = "3"
	BadCertID       FailInfo = "4"
)

// SCEP authenticated-attribute OIDs, per draft-gutmann-scep-19.
var (
	oidMessageType    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 2}
	oidPKIStatus      = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 3}
	oidFailInfo       = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 4}
	oidSenderNonce    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 5}
	oidRecipientNonce = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 6}
	oidTransactionID  = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 7}
)

const nonceSize = 16

// Message is the decoded form of an outer CMS SignedData SCEP message.
// Immutable once returned by Parse.
type Message struct {
	Raw []byte

	TransactionID  string
	MessageType    MessageType
	SenderNonce    []byte
	RecipientNonce []byte // only set on CertRep
	PKIStatus      PKIStatus
	FailInfo       FailInfo

	// SignerCerts holds the certificate of the outer SignedData's single
	// signer (other attached certificates are not included) — for a
	// request this is the enrolling device's self-signed certificate, used
	// as the encryption recipient for the reply.
	SignerCerts []*x509.Certificate

	// Envelope carries the encapsulated content octets verbatim — the
	// inner CMS EnvelopedData, handed to package envelope when the
	// messageType requires it.
	Envelope []byte
}

package scepmsg

import (
	"crypto/x509"

	pkcs7 "go.mozilla.org/pkcs7"

	"scepca/internal/scaperr"
)

// Parse decodes bytes as a CMS SignedData SCEP message: it requires
// exactly one signer, verifies the signer's signature over the
// encapsulated content, and extracts the SCEP authenticated attributes
// required for the message's type (spec.md §4.4).
func Parse(data []byte) (*Message, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, scaperr.Wrap(scaperr.KindMessageMalformed, err, "decode CMS SignedData")
	}
	if len(p7.Signers) != 1 {
		return nil, scaperr.New(scaperr.KindMessageMalformed, "SCEP message must have exactly one signer")
	}

	if err := p7.Verify(); err != nil {
		return nil, scaperr.Wrap(scaperr.KindSignatureInvalid, err, "verify outer SignedData signature")
	}

	msg := &Message{
		Raw:         data,
		SignerCerts: []*x509.Certificate{p7.GetOnlySigner()},
		Envelope:    p7.Content,
	}

	var transactionID string
	if err := p7.UnmarshalSignedAttribute(oidTransactionID, &transactionID); err != nil {
		return nil, scaperr.Wrap(scaperr.KindMessageMalformed, err, "missing transactionID attribute")
	}
	if transactionID == "" {
		return nil, scaperr.New(scaperr.KindMessageMalformed, "transactionID must not be empty")
	}
	msg.TransactionID = transactionID

	var msgType string
	if err := p7.UnmarshalSignedAttribute(oidMessageType, &msgType); err != nil {
		return nil, scaperr.Wrap(scaperr.KindMessageMalformed, err, "missing messageType attribute")
	}
	msg.MessageType = MessageType(msgType)

	switch msg.MessageType {
	case CertRep:
		if err := parseCertRepAttributes(p7, msg); err != nil {
			return nil, err
		}
	case PKCSReq, RenewalReq, UpdateReq, GetCertInitial, GetCert, GetCRL:
		var senderNonce []byte
		if err := p7.UnmarshalSignedAttribute(oidSenderNonce, &senderNonce); err != nil {
			return nil, scaperr.Wrap(scaperr.KindMessageMalformed, err, "missing senderNonce attribute")
		}
		if len(senderNonce) != nonceSize {
			return nil, scaperr.New(scaperr.KindMessageMalformed, "senderNonce must be 16 bytes")
		}
		msg.SenderNonce = senderNonce
	default:
		return nil, scaperr.New(scaperr.KindMessageMalformed, "unknown messageType "+msgType)
	}

	return msg, nil
}

func parseCertRepAttributes(p7 *pkcs7.PKCS7, msg *Message) error {
	var status string
	if err := p7.UnmarshalSignedAttribute(oidPKIStatus, &status); err != nil {
		return scaperr.Wrap(scaperr.KindMessageMalformed, err, "missing pkiStatus attribute")
	}
	msg.PKIStatus = PKIStatus(status)

	var recipientNonce []byte
	if err := p7.UnmarshalSignedAttribute(oidRecipientNonce, &recipientNonce); err != nil {
		return scaperr.Wrap(scaperr.KindMessageMalformed, err, "missing recipientNonce attribute")
	}
	if len(recipientNonce) != nonceSize {
		return scaperr.New(scaperr.KindMessageMalformed, "recipientNonce must be 16 bytes")
	}
	msg.RecipientNonce = recipientNonce

	switch msg.PKIStatus {
	case SUCCESS, PENDING:
		return nil
	case FAILURE:
		var failInfo string
		if err := p7.UnmarshalSignedAttribute(oidFailInfo, &failInfo); err != nil {
			return scaperr.Wrap(scaperr.KindMessageMalformed, err, "FAILURE status missing failInfo attribute")
		}
		msg.FailInfo = FailInfo(failInfo)
		return nil
	default:
		return scaperr.New(scaperr.KindMessageMalformed, "unknown pkiStatus "+status)
	}
}

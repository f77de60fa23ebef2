package certlog

import (
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
)

// Entry is one issued-certificate record.
type Entry struct {
	ID            string
	SerialHex     string
	SubjectCN     string
	TransactionID string
	SPKISHA256    string
	CertDER       []byte
	IssuedAt      time.Time
}

// Certificate parses the stored DER back into an *x509.Certificate.
func (e *Entry) Certificate() (*x509.Certificate, error) {
	return x509.ParseCertificate(e.CertDER)
}

// Log records and queries issued certificates.
type Log struct {
	db    *db
	clock clock.Clock
}

// Open opens the SQLite-backed certificate log at path, applying its
// schema if not already present.
func Open(path string, clk clock.Clock) (*Log, error) {
	d, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Log{db: d, clock: clk}, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error { return l.db.Close() }

// Record inserts an audit entry for a just-issued certificate.
func (l *Log) Record(cert *x509.Certificate, transactionID string) (*Entry, error) {
	spki := sha256.Sum256(cert.RawSubjectPublicKeyInfo)

	entry := &Entry{
		ID:            uuid.New().String(),
		SerialHex:     fmt.Sprintf("%x", cert.SerialNumber),
		SubjectCN:     cert.Subject.CommonName,
		TransactionID: transactionID,
		SPKISHA256:    fmt.Sprintf("%x", spki),
		CertDER:       cert.Raw,
		IssuedAt:      l.clock.Now(),
	}

	_, err := l.db.Exec(`
		INSERT INTO issued_certificates (id, serial_hex, subject_cn, transaction_id, spki_sha256, cert_der, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.SerialHex, entry.SubjectCN, entry.TransactionID, entry.SPKISHA256, entry.CertDER, entry.IssuedAt)
	if err != nil {
		return nil, fmt.Errorf("record issued certificate: %w", err)
	}
	return entry, nil
}

// BySerial looks up an entry by its hex serial number. Returns (nil, nil)
// when no entry exists.
func (l *Log) BySerial(serialHex string) (*Entry, error) {
	entry := &Entry{}
	err := l.db.QueryRow(`
		SELECT id, serial_hex, subject_cn, transaction_id, spki_sha256, cert_der, issued_at
		FROM issued_certificates WHERE serial_hex = ?
	`, serialHex).Scan(
		&entry.ID, &entry.SerialHex, &entry.SubjectCN, &entry.TransactionID, &entry.SPKISHA256, &entry.CertDER, &entry.IssuedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get issued certificate by serial: %w", err)
	}
	return entry, nil
}

// ByTransactionID lists every certificate issued under a SCEP transaction
// (normally at most one, but a client that retries PKCSReq against a
// pending CA may accumulate more than one attempt before success).
func (l *Log) ByTransactionID(transactionID string) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, serial_hex, subject_cn, transaction_id, spki_sha256, cert_der, issued_at
		FROM issued_certificates WHERE transaction_id = ?
		ORDER BY issued_at
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list issued certificates by transaction: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(
			&entry.ID, &entry.SerialHex, &entry.SubjectCN, &entry.TransactionID, &entry.SPKISHA256, &entry.CertDER, &entry.IssuedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Package audit keeps a signed trail of every committed mutation.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/erp/internal/metrics"
)

// Record is one committed mutation.
type Record struct {
	ID            string    `json:"id"`
	RestaurantID  string    `json:"restaurant_id"`
	Module        string    `json:"module"`
	Action        string    `json:"action"`
	EntityID      string    `json:"entity_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	SourceIP      string    `json:"source_ip,omitempty"`
	Source        string    `json:"source,omitempty"`
	Version       int64     `json:"version"`
	At            time.Time `json:"at"`
	Signature     string    `json:"signature,omitempty"`
}

// Sink persists records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

type Signer struct {
	secretKey []byte
}

func NewSigner(secretKey string) *Signer {
	return &Signer{secretKey: []byte(secretKey)}
}

func (s *Signer) payload(rec Record) string {
	return rec.ID + rec.At.Format(time.RFC3339Nano) + rec.RestaurantID + rec.Module + rec.Action +
		rec.EntityID + rec.TransactionID + rec.UserID + rec.Source + strconv.FormatInt(rec.Version, 10)
}

func (s *Signer) Sign(rec Record) string {
	h := hmac.New(sha256.New, s.secretKey)
	h.Write([]byte(s.payload(rec)))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Signer) Verify(rec Record) bool {
	expected := s.Sign(rec)
	return hmac.Equal([]byte(expected), []byte(rec.Signature))
}

// writeTimeout bounds a sink write detached from the request.
const writeTimeout = 5 * time.Second

type Logger struct {
	sink   Sink
	signer *Signer
	logger *logging.Logger
	now    func() time.Time
}

// NewLogger signs records with signer when it is non-nil.
func NewLogger(sink Sink, signer *Signer, logger *logging.Logger) *Logger {
	if sink == nil {
		sink = NoopSink{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Logger{sink: sink, signer: signer, logger: logger.With(logging.Module("audit")), now: time.Now}
}

// Log completes rec with id and time, signs it and writes it. The write uses
// a context detached from ctx so the trail survives a cancelled request; a
// failure is logged and counted, never returned.
func (l *Logger) Log(ctx context.Context, rec Record) Record {
	if rec.ID == "" {
		id, _ := uuid.NewV7()
		rec.ID = id.String()
	}
	if rec.At.IsZero() {
		rec.At = l.now().UTC()
	}
	if l.signer != nil {
		rec.Signature = l.signer.Sign(rec)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := l.sink.Write(wctx, rec); err != nil {
		metrics.AuditErrors.Inc()
		l.logger.ErrorContext(ctx, "failed to write audit record",
			logging.RestaurantID(rec.RestaurantID), logging.EntityID(rec.EntityID), logging.Error(err))
	}
	return rec
}

func (l *Logger) Close() error { return l.sink.Close() }

type NoopSink struct{}

func (NoopSink) Write(context.Context, Record) error { return nil }
func (NoopSink) Close() error                        { return nil }

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (s *MemorySink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemorySink) Close() error { return nil }

func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

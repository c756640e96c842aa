package storage

import (
	"fmt"
	"slices"
	"time"
)

// TxStatus is the lifecycle state of a wallet transaction record.
type TxStatus string

const (
	TxStatusUnsigned     TxStatus = "unsigned"
	TxStatusUnprocessed  TxStatus = "unprocessed"
	TxStatusUnsignedSent TxStatus = "unsigned-sent"
	TxStatusNoSend       TxStatus = "nosend"
	TxStatusSending      TxStatus = "sending"
	TxStatusUnproven     TxStatus = "unproven"
	TxStatusCompleted    TxStatus = "completed"
	TxStatusFailed       TxStatus = "failed"
	// TxStatusUnfail marks a failed record queued for re-examination.
	// It never crosses the wallet's external boundary.
	TxStatusUnfail TxStatus = "unfail"
)

var allStatuses = []TxStatus{
	TxStatusUnsigned,
	TxStatusUnprocessed,
	TxStatusUnsignedSent,
	TxStatusNoSend,
	TxStatusSending,
	TxStatusUnproven,
	TxStatusCompleted,
	TxStatusFailed,
	TxStatusUnfail,
}

// AbortableStatuses are the statuses from which AbortAction may move a record to failed.
var AbortableStatuses = []TxStatus{
	TxStatusUnsigned,
	TxStatusUnprocessed,
	TxStatusUnsignedSent,
	TxStatusNoSend,
}

func ParseTxStatus(s string) (TxStatus, error) {
	status := TxStatus(s)
	if !slices.Contains(allStatuses, status) {
		return "", fmt.Errorf("unknown transaction status %q", s)
	}
	return status, nil
}

func (s TxStatus) IsAbortable() bool {
	return slices.Contains(AbortableStatuses, s)
}

// ToStandardizedStatus maps the internal status onto the vocabulary exposed to callers.
func (s TxStatus) ToStandardizedStatus() TxStatus {
	if s == TxStatusUnfail {
		return TxStatusFailed
	}
	return s
}

// AuthID identifies the caller on whose behalf storage is accessed.
type AuthID struct {
	IdentityKey string `json:"identityKey"`
	UserID      *int   `json:"userId,omitempty"`
}

// TransactionRecord is one wallet action as held by a storage backend.
// Reference is unique within a storage and identical across replicas.
type TransactionRecord struct {
	Reference   string    `json:"reference"`
	UserID      int       `json:"userId"`
	TxID        string    `json:"txid,omitempty"`
	Status      TxStatus  `json:"status"`
	Description string    `json:"description"`
	Satoshis    int64     `json:"satoshis"`
	IsOutgoing  bool      `json:"isOutgoing"`
	Labels      []string  `json:"labels,omitempty"`
	RawTx       []byte    `json:"rawTx,omitempty"`
	InputBEEF   []byte    `json:"inputBEEF,omitempty"`
	MerklePath  []byte    `json:"merklePath,omitempty"`
	BlockHeight uint32    `json:"blockHeight,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate results without touching stored state.
func (r *TransactionRecord) Clone() *TransactionRecord {
	c := *r
	c.Labels = slices.Clone(r.Labels)
	c.RawTx = slices.Clone(r.RawTx)
	c.InputBEEF = slices.Clone(r.InputBEEF)
	c.MerklePath = slices.Clone(r.MerklePath)
	return &c
}

func (r *TransactionRecord) HasLabel(label string) bool {
	return slices.Contains(r.Labels, label)
}

type LabelQueryMode string

const (
	LabelQueryModeAny LabelQueryMode = "any"
	LabelQueryModeAll LabelQueryMode = "all"
)

// ListTransactionsFilter selects records for ListTransactions.
// Zero values mean "no constraint"; Limit 0 means no limit.
type ListTransactionsFilter struct {
	UserID         *int
	Statuses       []TxStatus
	Labels         []string
	LabelQueryMode LabelQueryMode
	Reference      string
	Limit          int
	Offset         int
}

// Matches reports whether rec passes the filter, ignoring pagination.
func (f *ListTransactionsFilter) Matches(rec *TransactionRecord) bool {
	if f.UserID != nil && rec.UserID != *f.UserID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, rec.Status) {
		return false
	}
	if f.Reference != "" && rec.Reference != f.Reference {
		return false
	}
	if len(f.Labels) == 0 {
		return true
	}
	if f.LabelQueryMode == LabelQueryModeAll {
		for _, l := range f.Labels {
			if !rec.HasLabel(l) {
				return false
			}
		}
		return true
	}
	for _, l := range f.Labels {
		if rec.HasLabel(l) {
			return true
		}
	}
	return false
}

// SyncCursor is a position in the (UpdatedAt, Reference) ordering used for replication.
type SyncCursor struct {
	UpdatedAt time.Time `json:"updatedAt"`
	Reference string    `json:"reference"`
}

// After reports whether rec sorts strictly after the cursor.
func (c SyncCursor) After(rec *TransactionRecord) bool {
	if rec.UpdatedAt.Equal(c.UpdatedAt) {
		return rec.Reference > c.Reference
	}
	return rec.UpdatedAt.After(c.UpdatedAt)
}

// now truncates to microseconds so every backend round-trips timestamps exactly.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

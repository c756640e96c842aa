package actions

import (
	"encoding/json"

	"github.com/b-open-io/wallet-monitor/storage"
)

// ListActionsArgs are the caller-supplied listing arguments.
type ListActionsArgs struct {
	Labels                           []string               `json:"labels"`
	LabelQueryMode                   storage.LabelQueryMode `json:"labelQueryMode,omitempty"`
	Limit                            int                    `json:"limit,omitempty"`
	Offset                           int                    `json:"offset,omitempty"`
	SeekPermission                   *bool                  `json:"seekPermission,omitempty"`
	IncludeLabels                    bool                   `json:"includeLabels,omitempty"`
	IncludeInputs                    bool                   `json:"includeInputs,omitempty"`
	IncludeOutputs                   bool                   `json:"includeOutputs,omitempty"`
	IncludeInputSourceLockingScripts bool                   `json:"includeInputSourceLockingScripts,omitempty"`
	IncludeInputUnlockingScripts     bool                   `json:"includeInputUnlockingScripts,omitempty"`
	IncludeOutputLockingScripts      bool                   `json:"includeOutputLockingScripts,omitempty"`
	Reference                        string                 `json:"reference,omitempty"`
}

type ListActionsResult struct {
	TotalActions int      `json:"totalActions"`
	Actions      []Action `json:"actions"`
	// PostProcessErrors lists records whose side effect could not be applied.
	// Their status is reported as read.
	PostProcessErrors []PostProcessError `json:"postProcessErrors,omitempty"`
}

// Action is the caller-facing view of a transaction record.
type Action struct {
	TxID        string           `json:"txid"`
	Reference   string           `json:"reference"`
	Satoshis    int64            `json:"satoshis"`
	Status      storage.TxStatus `json:"status"`
	IsOutgoing  bool             `json:"isOutgoing"`
	Description string           `json:"description"`
	Version     uint32           `json:"version"`
	LockTime    uint32           `json:"lockTime"`
	Labels      []string         `json:"labels,omitempty"`
	Inputs      []ActionInput    `json:"inputs,omitempty"`
	Outputs     []ActionOutput   `json:"outputs,omitempty"`
}

type ActionInput struct {
	SourceOutpoint      string  `json:"sourceOutpoint"`
	SourceSatoshis      *uint64 `json:"sourceSatoshis,omitempty"`
	SequenceNumber      uint32  `json:"sequenceNumber"`
	SourceLockingScript string  `json:"sourceLockingScript,omitempty"`
	UnlockingScript     string  `json:"unlockingScript,omitempty"`
}

type ActionOutput struct {
	OutputIndex   uint32 `json:"outputIndex"`
	Satoshis      uint64 `json:"satoshis"`
	LockingScript string `json:"lockingScript,omitempty"`
}

// PostProcessError reports a failed side effect for one record.
type PostProcessError struct {
	Reference string
	Err       error
}

func (e PostProcessError) Error() string {
	return e.Reference + ": " + e.Err.Error()
}

func (e PostProcessError) Unwrap() error {
	return e.Err
}

func (e PostProcessError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Reference string `json:"reference"`
		Error     string `json:"error"`
	}{e.Reference, e.Err.Error()})
}

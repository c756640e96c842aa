package actions

import (
	"errors"
	"fmt"

	"github.com/b-open-io/wallet-monitor/storage"
)

const (
	DefaultListLimit    = 10
	MaxPaginationLimit  = 10000
	MaxPaginationOffset = 1_000_000
	MaxLabelLength      = 300
)

var ErrInvalidArgs = errors.New("invalid list actions args")

// ErrUnauthenticated is returned for a listing without a user id.
var ErrUnauthenticated = errors.New("list actions requires an authenticated user")

// ValidateListActionsArgs checks args and fills in defaults for limit and label query mode.
func ValidateListActionsArgs(args *ListActionsArgs) error {
	if args == nil {
		return fmt.Errorf("%w: args cannot be nil", ErrInvalidArgs)
	}

	switch args.LabelQueryMode {
	case "":
		args.LabelQueryMode = storage.LabelQueryModeAny
	case storage.LabelQueryModeAny, storage.LabelQueryModeAll:
	default:
		return fmt.Errorf("%w: invalid labelQueryMode: %s", ErrInvalidArgs, args.LabelQueryMode)
	}

	if args.Limit < 0 || args.Limit > MaxPaginationLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidArgs, MaxPaginationLimit)
	}
	if args.Limit == 0 {
		args.Limit = DefaultListLimit
	}
	if args.Offset < 0 || args.Offset > MaxPaginationOffset {
		return fmt.Errorf("%w: offset must be between 0 and %d", ErrInvalidArgs, MaxPaginationOffset)
	}

	for _, label := range args.Labels {
		if len(label) == 0 || len(label) > MaxLabelLength {
			return fmt.Errorf("%w: label must be 1-%d characters", ErrInvalidArgs, MaxLabelLength)
		}
	}

	if args.SeekPermission != nil && !*args.SeekPermission {
		return fmt.Errorf("%w: operation not allowed without permission (seekPermission=false)", ErrInvalidArgs)
	}

	if !args.IncludeInputs {
		if args.IncludeInputUnlockingScripts {
			return fmt.Errorf("%w: includeInputUnlockingScripts cannot be true when includeInputs is false", ErrInvalidArgs)
		}
		if args.IncludeInputSourceLockingScripts {
			return fmt.Errorf("%w: includeInputSourceLockingScripts cannot be true when includeInputs is false", ErrInvalidArgs)
		}
	}
	if !args.IncludeOutputs && args.IncludeOutputLockingScripts {
		return fmt.Errorf("%w: includeOutputLockingScripts cannot be true when includeOutputs is false", ErrInvalidArgs)
	}
	return nil
}

package ledger

import (
	"context"
	"errors"
)

// Notifier is told about every committed entry together with the balance
// recomputed in the same unit of work. Implementations must not block for
// long; errors are logged by the caller and never undo the entry.
type Notifier interface {
	EntryPosted(ctx context.Context, e Entry, b Balance) error
}

type NopNotifier struct{}

func (NopNotifier) EntryPosted(context.Context, Entry, Balance) error { return nil }

// Notifiers fans out to several notifiers and joins their errors.
type Notifiers []Notifier

func (ns Notifiers) EntryPosted(ctx context.Context, e Entry, b Balance) error {
	var errs []error
	for _, n := range ns {
		if err := n.EntryPosted(ctx, e, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

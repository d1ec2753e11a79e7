package feed

import (
	"context"

	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/pkg/errors"
)

// Publisher is what the session hands entries to.
type Publisher interface {
	Publish(ctx context.Context, entries ...ledger.Entry) error
}

// Journal writes entries to a local log synchronously before handing them
// to the next publisher. A snapshot saved after Publish returns is always
// covered by the log.
type Journal struct {
	log  Sink
	next Publisher
}

// NewJournal returns a journal over log. next may be nil.
func NewJournal(log Sink, next Publisher) *Journal {
	return &Journal{log: log, next: next}
}

// Publish implements Publisher.
func (j *Journal) Publish(ctx context.Context, entries ...ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := j.log.Write(ctx, entries); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "journal_feed", "feed log write failed").
			WithContext("sink", j.log.Name()).
			WithContext("first_seq", entries[0].Seq)
	}
	if j.next == nil {
		return nil
	}
	return j.next.Publish(ctx, entries...)
}

// Package mailbox is the inbound side of the relay: a remote folder that can
// be searched, fetched from and pruned.
package mailbox

import (
	"context"
	"time"
)

// ID identifies a message inside the selected folder. It is stable for the
// lifetime of the session.
type ID uint32

// searchDateLayout is the IMAP date format used by BEFORE.
const searchDateLayout = "02-Jan-2006"

// Criterion selects messages in a Search.
type Criterion struct {
	unseen bool
	before time.Time
}

// Unseen matches messages without the \Seen flag.
func Unseen() Criterion {
	return Criterion{unseen: true}
}

// Before matches messages whose internal date is earlier than the calendar
// day of date.
func Before(date time.Time) Criterion {
	y, m, d := date.Date()
	return Criterion{before: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// IsUnseen reports whether c is the Unseen criterion.
func (c Criterion) IsUnseen() bool { return c.unseen }

// BeforeDate returns the cutoff day of a Before criterion.
func (c Criterion) BeforeDate() (time.Time, bool) {
	return c.before, !c.before.IsZero()
}

// String renders c in IMAP search syntax.
func (c Criterion) String() string {
	switch {
	case c.unseen:
		return "UNSEEN"
	case !c.before.IsZero():
		return "BEFORE " + c.before.Format(searchDateLayout)
	default:
		return "ALL"
	}
}

// Mailbox is a remote message store. A session runs Login, Select, then any
// number of searches, fetches and deletions, and ends with Close.
type Mailbox interface {
	Login(ctx context.Context) error
	Select(ctx context.Context, folder string) error
	Search(ctx context.Context, criterion Criterion) ([]ID, error)

	// Fetch returns the full raw message. Fetching marks it as seen.
	Fetch(ctx context.Context, id ID) ([]byte, error)

	// MarkDeleted flags a message for removal by the next Expunge.
	MarkDeleted(ctx context.Context, id ID) error
	Expunge(ctx context.Context) error

	// Close closes the selected folder and logs out.
	Close() error
}

package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"
)

// NoSecondary is the stored secondary key of an item without a secondary
// timestamp. It is the smallest int64, so such items sort first among equal
// primaries.
const NoSecondary int64 = math.MinInt64

// Item is one entry of a named queue. Datetime and DatetimeSecondary form
// its key; Message is the opaque payload.
type Item struct {
	Datetime          time.Time
	DatetimeSecondary *time.Time
	Message           string
}

// Key is the ordering key of an item in milliseconds since the Unix epoch.
type Key struct {
	Primary   int64
	Secondary int64
}

// Compare orders keys by primary then secondary, ascending.
func (k Key) Compare(other Key) int {
	switch {
	case k.Primary < other.Primary:
		return -1
	case k.Primary > other.Primary:
		return 1
	case k.Secondary < other.Secondary:
		return -1
	case k.Secondary > other.Secondary:
		return 1
	}
	return 0
}

func (k Key) HasSecondary() bool {
	return k.Secondary != NoSecondary
}

func (it Item) Key() Key {
	k := Key{Primary: it.Datetime.UnixMilli(), Secondary: NoSecondary}
	if it.DatetimeSecondary != nil {
		k.Secondary = it.DatetimeSecondary.UnixMilli()
	}
	return k
}

// Validate reports ErrInvalidItem for items whose timestamps fall outside
// the RFC 3339 year range and so cannot round-trip through JSON. The zero
// time.Time is 0001-01-01T00:00:00Z, a valid instant; a missing datetime is
// rejected when decoding.
func (it Item) Validate() error {
	if !inRFC3339Range(it.Datetime) {
		return fmt.Errorf("%w: datetime %s out of range", ErrInvalidItem, it.Datetime.UTC())
	}
	if it.DatetimeSecondary != nil && !inRFC3339Range(*it.DatetimeSecondary) {
		return fmt.Errorf("%w: datetime_secondary %s out of range", ErrInvalidItem, it.DatetimeSecondary.UTC())
	}
	return nil
}

func inRFC3339Range(t time.Time) bool {
	y := t.UTC().Year()
	return y >= 0 && y <= 9999
}

// Normalized returns the item with timestamps in UTC at millisecond
// precision, which is what every store keeps.
func (it Item) Normalized() Item {
	return itemFromKey(it.Key(), it.Message)
}

func itemFromKey(k Key, message string) Item {
	it := Item{
		Datetime: time.UnixMilli(k.Primary).UTC(),
		Message:  message,
	}
	if k.HasSecondary() {
		sec := time.UnixMilli(k.Secondary).UTC()
		it.DatetimeSecondary = &sec
	}
	return it
}

type itemJSON struct {
	Datetime          *time.Time `json:"datetime"`
	DatetimeSecondary *time.Time `json:"datetime_secondary,omitempty"`
	Message           *string    `json:"message,omitempty"`
}

type itemOutJSON struct {
	Datetime          time.Time  `json:"datetime"`
	DatetimeSecondary *time.Time `json:"datetime_secondary,omitempty"`
	Message           string     `json:"message"`
}

func (it Item) MarshalJSON() ([]byte, error) {
	out := itemOutJSON{
		Datetime:          it.Datetime.UTC(),
		DatetimeSecondary: it.DatetimeSecondary,
		Message:           it.Message,
	}
	if it.DatetimeSecondary != nil {
		sec := it.DatetimeSecondary.UTC()
		out.DatetimeSecondary = &sec
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts {"datetime", "datetime_secondary"?, "message"?} and
// rejects unknown fields.
func (it *Item) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var in itemJSON
	if err := dec.Decode(&in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: trailing data", ErrInvalidItem)
	}
	if in.Datetime == nil {
		return fmt.Errorf("%w: datetime is required", ErrInvalidItem)
	}
	out := Item{Datetime: *in.Datetime, DatetimeSecondary: in.DatetimeSecondary}
	if in.Message != nil {
		out.Message = *in.Message
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*it = out
	return nil
}

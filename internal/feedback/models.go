package feedback

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Rating values. A nil rating means the user hasn't judged the answer.
const (
	RatingGood = 1
	RatingBad  = -1
)

// Record is one logged question/query interaction. A record is created when
// a question is answered and mutated at most by feedback submissions; it is
// never deleted.
type Record struct {
	ID           int64
	Question     string
	CatalogSig   string
	GeneratedSQL string
	CorrectedSQL string
	Rating       *int
	FeedbackText string
	CreatedAt    time.Time
}

// Feedback is one feedback submission. Each field updates the record only
// when set; a nil field leaves the stored value untouched, so submitting a
// correction later can't silently erase an earlier rating.
type Feedback struct {
	Rating       *int
	Text         *string
	CorrectedSQL *string
}

package usenet

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrArticleMissing means every configured provider answered with a
	// permanent no-such-article response. Retrying will not help.
	ErrArticleMissing = errors.New("usenet: article missing on all providers")

	// ErrArticleUnavailable means at least one provider failed transiently
	// (transport error, timeout). A later retry may succeed.
	ErrArticleUnavailable = errors.New("usenet: article temporarily unavailable")

	// ErrCorruptArticle means the article was fetched but its yEnc payload
	// failed length or checksum validation on every provider that had it.
	ErrCorruptArticle = errors.New("usenet: corrupt article")
)

// ArticleError annotates a fetch failure with the article identity and the
// absolute byte offset the failing segment covers, so read paths can report
// exactly where a stream broke.
type ArticleError struct {
	MessageID string
	Offset    int64
	Err       error
}

func (e *ArticleError) Error() string {
	return fmt.Sprintf("usenet: article <%s> at offset %d: %v", e.MessageID, e.Offset, e.Err)
}

func (e *ArticleError) Unwrap() error { return e.Err }

// IsMissing reports a permanent everywhere-miss.
func IsMissing(err error) bool {
	return errors.Is(err, ErrArticleMissing)
}

// IsUnavailable reports a failure that a later retry may clear: transient
// provider errors or an interrupted context.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrArticleUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

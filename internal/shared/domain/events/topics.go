package events

// Event types. Each event type is also the Redpanda topic it is published
// to, so the dispatcher never needs a separate routing table.
const (
	// Book creation saga
	TopicBookCreationRequested = "library.book.creation.requested"
	TopicGenrePending          = "library.genre.pending"
	TopicAuthorPending         = "library.author.pending"
	TopicBookFinalized         = "library.book.finalized"
	TopicBookCreationFailed    = "library.book.creation.failed"

	// Reader/user creation saga
	TopicReaderUserRequested = "library.readeruser.requested"
	TopicUserPending         = "library.user.pending"
	TopicReaderPending       = "library.reader.pending"
	TopicReaderUserFinalize  = "library.readeruser.finalize"
	TopicUserFinalized       = "library.user.finalized"
	TopicReaderFinalized     = "library.reader.finalized"
	TopicReaderUserFailed    = "library.readeruser.failed"

	// Correlated validation exchange. The reply constant is a base:
	// each requesting instance derives its own topic from it (see
	// rpc.InstanceReplyTopic) so replicas never steal each other's
	// replies.
	TopicBookValidationRequest   = "library.validation.book.request"
	TopicReaderValidationRequest = "library.validation.reader.request"
	TopicLendingValidationReply  = "library.validation.lending.reply"

	// Cross-service replication
	TopicBookCreated     = "library.book.created"
	TopicBookUpdated     = "library.book.updated"
	TopicBookDeleted     = "library.book.deleted"
	TopicReaderCreated   = "library.reader.created"
	TopicLendingReturned = "library.lending.returned"
)

// Aggregate types recorded on outbox rows.
const (
	AggregateBook    = "book"
	AggregateAuthor  = "author"
	AggregateGenre   = "genre"
	AggregateReader  = "reader"
	AggregateUser    = "user"
	AggregateLending = "lending"
)

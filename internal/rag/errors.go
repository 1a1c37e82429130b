package rag

import "errors"

// ErrRetrievalUnavailable marks failures of the embedding service or the
// vector store during a query. The session aborts the current turn on this
// error but keeps running; callers discriminate with errors.Is.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

package model

// Page is one page of records returned by a paged query, either from the
// local store or from the remote service.
type Page struct {
	// Items holds the records in this page.
	Items []*Record

	// Count is the total number of records matching the query, or -1
	// when the producer did not compute a total count.
	Count int64

	// NextLink is an opaque continuation for fetching the next page.
	// Empty when there are no more pages.
	NextLink string
}

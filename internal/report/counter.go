package report

// Counter is the logical clock that stamps records with steps.
//
// Steps are strictly increasing within one recording session. Context.Enter
// attaches a fresh counter that starts at 0; Context.EnterWith lets a
// caller keep one counter across several scopes. They reconstruct the
// chronology of calls; wall-clock time is never used for ordering.
//
// Counter is not safe for concurrent use. A recorder is written by a single
// call path per side per session.
type Counter struct {
	id int64
}

// NewCounter creates a counter starting at 0.
func NewCounter() *Counter {
	return &Counter{}
}

// CounterFrom creates a counter whose first Next returns start.
func CounterFrom(start int64) *Counter {
	return &Counter{id: start}
}

// Next returns the current value and then increments it.
// The first call after Reset returns 0.
func (c *Counter) Next() int64 {
	id := c.id
	c.id++
	return id
}

// Current returns the value the next call to Next will return.
func (c *Counter) Current() int64 {
	return c.id
}

// Reset sets the counter back to 0.
func (c *Counter) Reset() {
	c.id = 0
}

// Package resourceversion tracks the resource version cursor of a chain
// of watch requests.
//
// A State is created empty, advanced with Update using a Candidate taken
// from an observed object, and cleared with Reset when the server reports
// that it can no longer resume from the current cursor.
package resourceversion

// State is the resource version cursor of one watch session. The zero
// value is an empty cursor. A State is owned by a single session and is
// not safe for concurrent use.
type State struct {
	resourceVersion string
}

// NewState returns an empty cursor.
func NewState() *State {
	return &State{}
}

// Update commits the candidate as the current cursor and returns the
// previous value, or "" if the cursor was empty.
func (s *State) Update(candidate Candidate) string {
	prev := s.resourceVersion
	s.resourceVersion = candidate.resourceVersion
	return prev
}

// Reset clears the cursor and returns the previous value. Use only on desync.
func (s *State) Reset() string {
	prev := s.resourceVersion
	s.resourceVersion = ""
	return prev
}

// Get returns the current cursor and whether it is set.
func (s *State) Get() (string, bool) {
	return s.resourceVersion, s.resourceVersion != ""
}

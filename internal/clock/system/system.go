// Package system is the wall clock used outside tests.
package system

import "time"

// Clock reports UTC wall time. The zero value is ready to use.
type Clock struct{}

// New returns a Clock.
func New() *Clock { return &Clock{} }

// Now implements scan.Clock.
func (Clock) Now() time.Time { return time.Now().UTC() }

// Package schedule runs cancellable repeating tasks keyed by name.
//
// Both the sign-in detection loop and the job status loop are scheduled
// here, which is what guarantees that starting either one twice leaves a
// single live loop. Time comes from a clockwork.Clock so tests can drive
// ticks with a fake clock.
package schedule

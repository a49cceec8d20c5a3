// Package panicerr turns panics raised by plugin code (connectors, sandbox
// wrappers) into ordinary errors.
package panicerr

import (
	"context"

	"github.com/sourcegraph/conc/panics"
)

// Call runs fn and returns its error, or the recovered panic as an error.
func Call(fn func() error) error {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() {
		err = fn()
	})
	if err != nil {
		return err
	}
	return catcher.Recovered().AsError()
}

// CallContext is Call for functions taking a context.
func CallContext(ctx context.Context, fn func(context.Context) error) error {
	return Call(func() error {
		return fn(ctx)
	})
}

// Package apierr carries an error kind from the engine down to the
// HTTP layer so handlers can map it to the status code table in §7
// without string-matching error text. Wrap the underlying cause with
// fmt.Errorf("...: %w", err) the way the rest of the codebase does;
// apierr.Error only adds the Kind on top.
package apierr

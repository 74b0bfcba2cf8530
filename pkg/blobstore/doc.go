// Package blobstore is the Blob Store: content-addressed filesystem
// storage for source archives, cert bundles, and result artifacts, kept
// under three namespaces (source/, certs/, results/) and keyed by build
// id. Writes stream straight to a sibling temp file and are published
// with a single atomic rename; every resolved path is checked against
// the configured root before any I/O touches disk.
package blobstore

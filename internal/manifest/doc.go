// Package manifest builds the list of files, hashes and content types that
// make up a local site tree.
package manifest

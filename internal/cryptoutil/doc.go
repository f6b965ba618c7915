// Package cryptoutil holds the small hashing helpers shared by the
// fingerprinting and sink code.
package cryptoutil

// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing contracts and artifact directories.
// These helpers are intentionally minimal. They are not intended for
// production usage.
package testutil

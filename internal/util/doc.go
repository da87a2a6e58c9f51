// Package util holds small helpers shared by the server, storage and client
// packages.
//
// SafeTruncate shortens token identifiers and response bodies before they are
// logged so that full credentials never reach the logs.
package util

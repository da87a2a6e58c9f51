// Package testutil provides test fixtures shared by the token service packages:
// a controllable clock, an in-memory event sink, throwaway keys and HTTP
// request builders.
package testutil

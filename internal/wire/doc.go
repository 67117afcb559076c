// Package wire defines the session messages and their O2lite text encoding.
//
// O2LITE FRAMES:
// A frame is a single string of fields separated by U+0003 (ETX):
//
//	address ␃ time ␃ types ␃ tcp ␃ value1 ␃ value2 ␃ … ␃
//
// time and 't' values are written with four decimals. The type string names
// one type code per value:
//
//	i int32   h int64   f float32   d float64   t time   s string   S symbol
//
// Addresses that start with '!' (routed to the server) are treated the same as
// their '/' form when decoding.
//
// MESSAGES:
// Each known address has exactly one Go type implementing Message. Decode
// checks the frame's type string against the registry before touching any
// value, so a handler always receives a fully typed message. Strings are
// normalized to NFC at the boundary.
package wire

// Package errors provides the error classification used across Red Dust.
// Errors are transient (retry, or wait for the next tick), invalid (reject
// the input and keep prior state) or fatal (stop the process).
//
// # Mapping onto the pipeline
//
//   - Send failures to a destination are wrapped with ErrTransport as transient.
//     The dispatcher logs them and the next tick retries implicitly.
//   - Malformed datagrams and wired frames wrap ErrProtocolDecode as invalid.
//     They are dropped with a debug log and never reach callers.
//   - Rejected configuration (speed, loop range, remap bounds, percentiles)
//     wraps ErrInvalidConfig as invalid. The prior value is kept.
//   - Link loss is ErrConnectionLost or ErrConnectionTimeout, transient.
//   - NaN, infinite or out-of-range values wrap ErrDataRange as invalid.
//
// Wrapped messages follow "component.method: action failed: cause".
package errors

// Package schema is the optional JSON Schema validator adapter named in
// spec.md §6.3: validate(message, schema) — reject invalid input, resolve
// otherwise. It has no opinion on where a schema came from; Registry.Guard
// wires it in by wrapping a protocol.FeatureContext, so a bound method's
// params are validated just before its registered handler sees them.
// Package protocol itself does not import this package.
package schema

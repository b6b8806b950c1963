package fbuild

// Version is the fbuild release identifier. The persisted graph database
// (internal/graph) is not stamped with it; it carries its own dbVersion.
const Version = "1.0.0"

// ProtocolVersion is the distribution wire-protocol version advertised in
// the brokerage path (spec.md §4.8): <root>/main/<protocol-version>.<platform>/<hostname>.
const ProtocolVersion = 1

package types

// Version is the canonical project version.
// The CLI, the engine, and the progress wire contract share this version
// per the lockstep versioning policy.
const Version = "0.4.0"

// Package events provides the broadcast bus that carries lifecycle
// notifications between subsystems: execution and node transitions from the
// engine, pool and health transitions from the resource manager, and
// store/retrieve/rotation activity from the credential manager.
//
// Delivery is non-blocking. Each subscriber owns a buffered channel; when a
// subscriber falls behind, events are dropped for that subscriber only and
// the drop is counted. Publishers never block on slow consumers.
package events

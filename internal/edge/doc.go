// Package edge manages the records of the remote nodes the authority
// synchronizes with.
//
// An edge has a routing key, which names its MQTT topics, and a secret that
// it presents when it connects. Only an Argon2id hash of the secret is
// stored. An edge may itself be assigned to a customer.
//
// The Registry wraps a Repository with an in-memory cache keyed by id and by
// routing key, so connect handling and topic routing do not hit the
// database.
package edge

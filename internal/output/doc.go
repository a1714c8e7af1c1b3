// Package output persists the final packet collection.
//
// Sinks receive a collection that is already sequence-unique and ordered;
// they only serialize it.
package output

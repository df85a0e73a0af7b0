// Package store maps task records onto the TTL key-value store. It depends
// only on gateway interfaces; concrete backends live under internal/storage.
package store

// Package session records relay connections in Redis: which user is bound
// to which connection on which relay instance, with a sliding TTL.
package session

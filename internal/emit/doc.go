// Package emit provides the record hub that workers hand Profiles and
// RelationLists to. The hub batches records on a background goroutine and
// fans each batch out to pluggable sinks such as files, databases, object
// storage, search indexes or message topics.
package emit

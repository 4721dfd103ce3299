// Package crawler defines the entity model, task descriptors, collaborator
// interfaces and error taxonomy shared by the follow-graph crawler.
package crawler

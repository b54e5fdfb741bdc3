// Package bus provides the in-process implementation of the event bus
// contract. Deployments fronted by an external broker replace it behind
// the same interface; the engine only sees Publish and Subscribe.
package bus
